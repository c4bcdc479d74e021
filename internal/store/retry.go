package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	maxWriteAttempts = 3
	writeBaseDelay   = 50 * time.Millisecond
)

// IsConflictError reports whether err is a SQLITE_BUSY or "database is
// locked" error. Both are transient and worth retrying.
func IsConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs op with exponential backoff while it fails with a
// SQLite conflict: 50ms, 100ms.
func withRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for i := 0; i < maxWriteAttempts; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsConflictError(err) || i == maxWriteAttempts-1 {
			break
		}

		delay := writeBaseDelay * time.Duration(1<<i)
		slog.Debug("store write hit a locked database, retrying",
			"op", what,
			"attempt", i+1,
			"delay", delay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
