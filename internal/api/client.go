// Package api is the typed HTTP client for the agent governance backend.
//
// [Client] covers the endpoints the session layer consumes: login, token
// verification, password change, buffered and streaming chat, chat history,
// and the liveness probe. Non-2xx responses are returned as [*Error] with the
// server detail normalized to one display string.
//
// Bearer tokens are not handled here. The HTTP client passed in
// [ClientConfig] is expected to carry a transport that injects them (see the
// middleware package), which keeps token lookup in one place.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Endpoint paths.
const (
	PathLogin          = "/api/v1/auth/login"
	PathVerify         = "/api/v1/auth/verify"
	PathChangePassword = "/api/v1/auth/change-password"
	PathChatSend       = "/api/v1/chat/send"
	PathChatHistory    = "/api/v1/chat/history"
	PathHealth         = "/health"
)

// maxResponseBody caps buffered response reads.
const maxResponseBody = 8 << 20

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the backend root (e.g., "http://localhost:8000").
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is
	// used. Its Timeout must be zero or streaming reads get cut off.
	HTTPClient *http.Client
	// RequestTimeout bounds buffered requests. Streams are unbounded.
	RequestTimeout time.Duration
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is the backend HTTP client.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewClient creates a new backend client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		httpClient:     httpClient,
		requestTimeout: config.RequestTimeout,
		logger:         logger,
	}, nil
}

// Login exchanges credentials for an access token and user payload.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.doJSON(ctx, http.MethodPost, PathLogin, nil, LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("api: login response carried no access_token")
	}
	c.logger.Info("logged in", "username", resp.User.Username)
	return &resp, nil
}

// Verify asks the backend whether token is still valid.
func (c *Client) Verify(ctx context.Context, token string) (*VerifyResponse, error) {
	query := url.Values{"token": []string{token}}
	var resp VerifyResponse
	if err := c.doJSON(ctx, http.MethodPost, PathVerify, query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChangePassword changes the authenticated user's password.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	body := ChangePasswordRequest{OldPassword: oldPassword, NewPassword: newPassword}
	return c.doJSON(ctx, http.MethodPost, PathChangePassword, nil, body, nil)
}

// SendChat performs one buffered chat round trip.
func (c *Client) SendChat(ctx context.Context, message string) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.doJSON(ctx, http.MethodPost, PathChatSend, nil, ChatRequest{Message: message, Stream: false}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenChatStream starts a streaming chat request and returns the raw body.
// The caller owns the body and must close it. No request timeout applies.
func (c *Client) OpenChatStream(ctx context.Context, message string) (io.ReadCloser, error) {
	encoded, err := json.Marshal(ChatRequest{Message: message, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("api: failed to encode request body: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathChatSend, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("api: failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("api: request to POST %s failed: %w", PathChatSend, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer response.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxResponseBody))
		return nil, &Error{
			StatusCode: response.StatusCode,
			Detail:     NormalizeDetail(body),
			Method:     http.MethodPost,
			Path:       PathChatSend,
		}
	}
	return response.Body, nil
}

// History fetches up to limit prior chat messages.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryMessage, error) {
	query := url.Values{"limit": []string{strconv.Itoa(limit)}}
	var resp HistoryResponse
	if err := c.doJSON(ctx, http.MethodGet, PathChatHistory, query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Health probes backend liveness.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, PathHealth, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doJSON performs a buffered JSON request. A nil out discards the body.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, requestBody, out any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("api: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("api: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("api: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("api: failed to read response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return &Error{
			StatusCode: response.StatusCode,
			Detail:     NormalizeDetail(responseBody),
			Method:     method,
			Path:       path,
		}
	}

	if out == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("api: failed to parse %s response: %w", path, err)
	}
	return nil
}
