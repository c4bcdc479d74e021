package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ashureev/agentgov/internal/domain"
)

// FlexID accepts an identifier encoded as either a JSON string or number.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// User is the backend's user payload.
type User struct {
	ID       FlexID `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// Identity converts the payload into an authenticated identity.
func (u User) Identity() *domain.UserIdentity {
	return &domain.UserIdentity{
		ID:              string(u.ID),
		Username:        u.Username,
		IsAdmin:         u.IsAdmin,
		IsAuthenticated: true,
	}
}

// LoginRequest is the POST /api/v1/auth/login body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the POST /api/v1/auth/login response.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	User        User   `json:"user"`
}

// VerifyResponse is the POST /api/v1/auth/verify response.
type VerifyResponse struct {
	Valid bool  `json:"valid"`
	User  *User `json:"user,omitempty"`
}

// ChangePasswordRequest is the POST /api/v1/auth/change-password body.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChatRequest is the POST /api/v1/chat/send body.
type ChatRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

// ChatResponse is the buffered (stream=false) chat reply.
type ChatResponse struct {
	Response    string `json:"response"`
	Content     string `json:"content"`
	AgentID     string `json:"agent_id"`
	AgentUsed   string `json:"agent_used"`
	Model       string `json:"model"`
	TaskCreated bool   `json:"task_created"`
	TaskID      FlexID `json:"task_id"`
	TokensUsed  int    `json:"tokens_used"`
}

// Text returns the reply body, preferring "response" over "content".
func (r ChatResponse) Text() string {
	if r.Response != "" {
		return r.Response
	}
	return r.Content
}

// Metadata extracts the message metadata carried by the reply.
func (r ChatResponse) Metadata() domain.MessageMetadata {
	agent := r.AgentUsed
	if agent == "" {
		agent = r.AgentID
	}
	return domain.MessageMetadata{
		AgentUsed:   agent,
		Model:       r.Model,
		TaskCreated: r.TaskCreated,
		TaskID:      string(r.TaskID),
		TokensUsed:  r.TokensUsed,
	}
}

// HistoryMessage is one entry of GET /api/v1/chat/history.
type HistoryMessage struct {
	ID        FlexID                  `json:"id"`
	Role      string                  `json:"role"`
	Content   string                  `json:"content"`
	CreatedAt string                  `json:"created_at"`
	Timestamp string                  `json:"timestamp"`
	Metadata  *domain.MessageMetadata `json:"metadata,omitempty"`
}

// Message converts the entry into a log message.
func (h HistoryMessage) Message() domain.Message {
	raw := h.CreatedAt
	if raw == "" {
		raw = h.Timestamp
	}
	created := parseTimestamp(raw)
	return domain.Message{
		ID:        string(h.ID),
		Role:      domain.RoleFromWire(h.Role),
		Content:   h.Content,
		CreatedAt: created,
		Status:    domain.StatusSent,
		Metadata:  h.Metadata,
	}
}

// HistoryResponse is the GET /api/v1/chat/history response.
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
}

// HealthResponse is the GET /health response.
type HealthResponse struct {
	Status  string `json:"status,omitempty"`
	Version string `json:"version"`
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Unix(0, int64(secs*float64(time.Second)))
	}
	return time.Time{}
}
