package domain

import (
	"time"
)

// Role identifies who produced a chat message.
type Role string

const (
	RoleRequester Role = "user"
	RoleResponder Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus is the delivery status of a chat message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusError   MessageStatus = "error"
)

// MessageMetadata describes how a responder message was produced.
type MessageMetadata struct {
	AgentUsed   string `json:"agent_used,omitempty"`
	Model       string `json:"model,omitempty"`
	TaskCreated bool   `json:"task_created,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	TokensUsed  int    `json:"tokens_used,omitempty"`
}

// IsZero reports whether no metadata field is set.
func (m MessageMetadata) IsZero() bool {
	return m == MessageMetadata{}
}

// Message is one entry of the append-only chat log.
type Message struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
	Status    MessageStatus    `json:"status"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// RoleFromWire maps a backend role string onto a Role.
func RoleFromWire(role string) Role {
	switch role {
	case "user", "requester":
		return RoleRequester
	case "assistant", "agent", "responder":
		return RoleResponder
	default:
		return RoleSystem
	}
}
