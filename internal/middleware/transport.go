// Package middleware provides outbound HTTP middleware for the backend client.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// Middleware wraps a RoundTripper.
type Middleware func(http.RoundTripper) http.RoundTripper

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// Chain applies middlewares to base so that the first one listed runs first.
func Chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	for i := len(mws) - 1; i >= 0; i-- {
		base = mws[i](base)
	}
	return base
}

// TokenFunc returns the current bearer token, or "" when there is none.
type TokenFunc func(ctx context.Context) string

// BearerAuth sets the Authorization header from tokens on every request
// that does not already carry one. Paths in skip are sent without a token.
func BearerAuth(tokens TokenFunc, skip ...string) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if r.Header.Get("Authorization") != "" || matchesAny(r.URL.Path, skip) {
				return next.RoundTrip(r)
			}
			token := tokens(r.Context())
			if token == "" {
				return next.RoundTrip(r)
			}
			r = r.Clone(r.Context())
			r.Header.Set("Authorization", "Bearer "+token)
			return next.RoundTrip(r)
		})
	}
}

// RequestID stamps each request with a fresh X-Request-ID unless one is set.
func RequestID() Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if r.Header.Get(RequestIDHeader) != "" {
				return next.RoundTrip(r)
			}
			r = r.Clone(r.Context())
			r.Header.Set(RequestIDHeader, uuid.NewString())
			return next.RoundTrip(r)
		})
	}
}

// DetectUnauthorized calls onUnauthorized when a response outside the skip
// paths comes back 401. The response is passed through unchanged.
func DetectUnauthorized(onUnauthorized func(), logger *slog.Logger, skip ...string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			resp, err := next.RoundTrip(r)
			if err != nil || resp.StatusCode != http.StatusUnauthorized || matchesAny(r.URL.Path, skip) {
				return resp, err
			}
			logger.Warn("backend rejected session", "method", r.Method, "path", r.URL.Path,
				"request_id", r.Header.Get(RequestIDHeader))
			onUnauthorized()
			return resp, nil
		})
	}
}

func matchesAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
