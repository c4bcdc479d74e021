// Package store provides durable local state: a key/value repository that
// survives process restarts, plus the typed records kept in it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Durable keys.
const (
	KeyAuth  = "auth-storage"
	KeyChat  = "chat-storage"
	KeyToken = "auth-token"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("store: key not found")

// Repository defines the interface for durable key/value state.
type Repository interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or replaces the value stored under key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}

// LoadJSON decodes the value under key into v. It reports false when the
// key is absent.
func LoadJSON(ctx context.Context, repo Repository, key string, v any) (bool, error) {
	data, err := repo.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON encodes v and stores it under key.
func SaveJSON(ctx context.Context, repo Repository, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return repo.Put(ctx, key, data)
}
