package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is a non-2xx response from the backend. Callers use errors.As to
// extract it:
//
//	var apiErr *api.Error
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized { ... }
type Error struct {
	// StatusCode is the HTTP status code of the response.
	StatusCode int
	// Detail is the server-provided message normalized to one display string.
	// Empty when the server sent none.
	Detail string
	// Method and Path identify the failed request.
	Method string
	Path   string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// IsUnauthorized reports whether err is a 401 or 403 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// IsServerError reports whether err is a 5xx from the backend.
func IsServerError(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}

// DetailOf returns the normalized server detail carried by err, if any.
func DetailOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return ""
}

// fieldError is one item of a validation error list.
type fieldError struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

// NormalizeDetail turns the heterogeneous error bodies the backend sends
// into one display string. It accepts {"detail": ...} where detail is a
// string, a list of field errors, or an object, plus bare {"message"} and
// {"error"} bodies.
func NormalizeDetail(body []byte) string {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "message", "error"} {
		if raw, ok := envelope[key]; ok {
			if s := normalizeValue(raw); s != "" {
				return s
			}
		}
	}
	return ""
}

func normalizeValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if p := normalizeListItem(item); p != "" {
				parts = append(parts, p)
			}
		}
		return strings.Join(parts, "; ")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"message", "detail", "error", "msg"} {
			if v, ok := obj[key]; ok {
				if s := normalizeValue(v); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func normalizeListItem(raw json.RawMessage) string {
	var fe fieldError
	if err := json.Unmarshal(raw, &fe); err == nil && fe.Msg != "" {
		if len(fe.Loc) > 0 {
			if field, ok := fe.Loc[len(fe.Loc)-1].(string); ok && field != "body" {
				return field + ": " + fe.Msg
			}
		}
		return fe.Msg
	}
	return normalizeValue(raw)
}
