package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/agentgov/internal/domain"
)

// AuthRecord is the persisted subset of the session. Initialization and
// loading flags are process-scoped and never written.
type AuthRecord struct {
	User *domain.UserIdentity `json:"user"`
}

// ChatRecord is the persisted chat log.
type ChatRecord struct {
	Messages []domain.Message `json:"messages"`
}

// Tokens keeps the bearer token under its own key.
type Tokens struct {
	repo Repository
}

// NewTokens creates a token store over repo.
func NewTokens(repo Repository) *Tokens {
	return &Tokens{repo: repo}
}

// Token returns the stored token, or "" when none is stored.
func (t *Tokens) Token(ctx context.Context) (string, error) {
	data, err := t.repo.Get(ctx, KeyToken)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return string(data), nil
}

// SetToken replaces the stored token.
func (t *Tokens) SetToken(ctx context.Context, token string) error {
	if token == "" {
		return t.ClearToken(ctx)
	}
	return t.repo.Put(ctx, KeyToken, []byte(token))
}

// ClearToken removes the stored token.
func (t *Tokens) ClearToken(ctx context.Context) error {
	return t.repo.Delete(ctx, KeyToken)
}

// LoadAuth reads the persisted auth record. A missing record yields a zero value.
func LoadAuth(ctx context.Context, repo Repository) (AuthRecord, error) {
	var rec AuthRecord
	if _, err := LoadJSON(ctx, repo, KeyAuth, &rec); err != nil {
		return AuthRecord{}, err
	}
	return rec, nil
}

// SaveAuth persists the auth record.
func SaveAuth(ctx context.Context, repo Repository, rec AuthRecord) error {
	return SaveJSON(ctx, repo, KeyAuth, rec)
}

// LoadChat reads the persisted chat log.
func LoadChat(ctx context.Context, repo Repository) (ChatRecord, error) {
	var rec ChatRecord
	if _, err := LoadJSON(ctx, repo, KeyChat, &rec); err != nil {
		return ChatRecord{}, err
	}
	return rec, nil
}

// SaveChat persists the chat log.
func SaveChat(ctx context.Context, repo Repository, rec ChatRecord) error {
	return SaveJSON(ctx, repo, KeyChat, rec)
}
