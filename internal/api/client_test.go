package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentgov/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(ClientConfig{BaseURL: srv.URL + "/", RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestLoginSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathLogin, r.URL.Path)
		var req LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "admin", req.Username)
		assert.Equal(t, "pw", req.Password)
		_, _ = io.WriteString(w, `{"access_token":"tok","token_type":"bearer","user":{"id":7,"username":"admin","is_admin":true}}`)
	})

	resp, err := client.Login(context.Background(), "admin", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.AccessToken)
	assert.Equal(t, &domain.UserIdentity{ID: "7", Username: "admin", IsAdmin: true, IsAuthenticated: true}, resp.User.Identity())
}

func TestLoginUnauthorizedCarriesDetail(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Invalid credentials"}`)
	})

	_, err := client.Login(context.Background(), "admin", "wrongpw")
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Invalid credentials", apiErr.Detail)
	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsServerError(err))
	assert.Equal(t, "Invalid credentials", DetailOf(err))
}

func TestVerifySendsTokenQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathVerify, r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("token"))
		_, _ = io.WriteString(w, `{"valid":true,"user":{"id":"u1","username":"alice"}}`)
	})

	resp, err := client.Verify(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	require.NotNil(t, resp.User)
	assert.Equal(t, "u1", string(resp.User.ID))
}

func TestChangePasswordEmptyBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChangePasswordRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "old", req.OldPassword)
		assert.Equal(t, "new", req.NewPassword)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.ChangePassword(context.Background(), "old", "new"))
}

func TestSendChatBuffered(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		_, _ = io.WriteString(w, `{"content":"pong","agent_id":"a1","model":"m","task_created":true,"task_id":42}`)
	})

	resp, err := client.SendChat(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Text())
	assert.Equal(t, domain.MessageMetadata{AgentUsed: "a1", Model: "m", TaskCreated: true, TaskID: "42"}, resp.Metadata())
}

func TestOpenChatStreamReturnsBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		_, _ = io.WriteString(w, "data: {\"type\":\"done\"}\n")
	})

	body, err := client.OpenChatStream(context.Background(), "hi")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"done\"}\n", string(data))
}

func TestOpenChatStreamError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":{"message":"upstream down"}}`)
	})

	_, err := client.OpenChatStream(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, IsServerError(err))
	assert.Equal(t, "upstream down", DetailOf(err))
}

func TestHistory(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `{"messages":[
			{"id":1,"role":"user","content":"hi","created_at":"2025-01-02T03:04:05Z"},
			{"id":"2","role":"agent","content":"hello","timestamp":"2025-01-02T03:04:06Z","metadata":{"task_id":"T9"}},
			{"id":3,"role":"tool","content":"x"}]}`)
	})

	msgs, err := client.History(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	first := msgs[0].Message()
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, domain.RoleRequester, first.Role)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), first.CreatedAt)

	second := msgs[1].Message()
	assert.Equal(t, domain.RoleResponder, second.Role)
	require.NotNil(t, second.Metadata)
	assert.Equal(t, "T9", second.Metadata.TaskID)

	assert.Equal(t, domain.RoleSystem, msgs[2].Message().Role)
}

func TestHealthTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := NewClient(ClientConfig{BaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNormalizeDetail(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"string", `{"detail":"Old password is incorrect"}`, "Old password is incorrect"},
		{"field list", `{"detail":[{"loc":["body","new_password"],"msg":"too short","type":"value_error"},{"loc":["body"],"msg":"bad body"}]}`, "new_password: too short; bad body"},
		{"object", `{"detail":{"message":"nope"}}`, "nope"},
		{"message key", `{"message":"plain"}`, "plain"},
		{"empty", `{}`, ""},
		{"not json", `<html>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeDetail([]byte(tt.body)))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{StatusCode: 404, Method: "GET", Path: "/x"}
	assert.Equal(t, "api: GET /x: 404 Not Found", err.Error())
	err.Detail = "gone"
	assert.Equal(t, "api: GET /x: 404: gone", err.Error())
}
