package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/agentgov/internal/domain"
)

// ErrUndecodable is returned when a token's claims cannot be read locally.
var ErrUndecodable = errors.New("identity: token claims not decodable")

// DecodeClaims reads the identity claims of a JWT without verifying its
// signature. The result is only good enough for optimistic display until
// the backend confirms the token. Expired tokens are rejected.
func DecodeClaims(token string, now time.Time) (*domain.UserIdentity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrUndecodable, len(parts))
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", ErrUndecodable, err)
	}

	var claims map[string]any
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload json: %v", ErrUndecodable, err)
	}

	if exp, ok := claims["exp"].(float64); ok && int64(exp) <= now.Unix() {
		return nil, fmt.Errorf("%w: token expired", ErrUndecodable)
	}

	username := claimString(claims, "username")
	if username == "" {
		username = claimString(claims, "sub")
	}
	if username == "" {
		return nil, fmt.Errorf("%w: no username claim", ErrUndecodable)
	}

	id := claimString(claims, "user_id")
	if id == "" {
		id = claimString(claims, "id")
	}
	isAdmin, _ := claims["is_admin"].(bool)

	return &domain.UserIdentity{
		ID:              id,
		Username:        username,
		IsAdmin:         isAdmin,
		IsAuthenticated: true,
	}, nil
}

func claimString(claims map[string]any, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
