package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

// ErrorCode classifies a provider failure so callers can decide whether to
// retry, re-authenticate, or give up.
type ErrorCode string

const (
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeDisconnected  ErrorCode = "DISCONNECTED"
	CodeRejected      ErrorCode = "REJECTED"
	CodeInvalidArgs   ErrorCode = "INVALID_ARGS"
	CodeInvalidSymbol ErrorCode = "INVALID_SYMBOL"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"
)

const (
	suggestionNetwork   = "Check network connectivity and broker API availability."
	suggestionRateLimit = "Retry with lower request frequency."
	suggestionSymbol    = "Confirm symbol formatting and market data availability."
	suggestionTimeout   = "Retry and consider increasing runtime.request_timeout_seconds if needed."
)

// Error is the typed failure returned by every provider operation.
type Error struct {
	Code       ErrorCode
	Message    string
	Details    map[string]any
	Suggestion string
	Err        error
}

// NewError creates an Error with an empty details map.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: map[string]any{},
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail sets one details entry and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithSuggestion sets the remediation hint and returns e.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// Wrap records the underlying cause and returns e.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// StatusCode returns the HTTP status recorded in Details, or 0.
func (e *Error) StatusCode() int {
	n, _ := e.Details["status_code"].(int)
	return n
}

// AuthFailure reports whether the remote rejected the credentials.
func (e *Error) AuthFailure() bool {
	if expired, _ := e.Details["auth_expired"].(bool); expired {
		return true
	}
	sc := e.StatusCode()
	return sc == http.StatusUnauthorized || sc == http.StatusForbidden
}

// Retryable reports whether repeating the same call may succeed without
// caller intervention.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeTimeout, CodeRateLimited:
		return true
	case CodeDisconnected:
		return !e.AuthFailure()
	}
	return false
}

// CodeOf returns the ErrorCode of err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// ---------------------------------------------------------------------------
// Transport and HTTP mapping
// ---------------------------------------------------------------------------

// TransportError maps a failure to reach the remote at all. Timeouts become
// TIMEOUT; connect/DNS/other network errors become DISCONNECTED.
func TransportError(operation string, err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return NewError(CodeTimeout, "%s timed out", operation).
			WithDetail("operation", operation).
			WithDetail("error", err.Error()).
			WithSuggestion(suggestionTimeout).
			Wrap(err)
	}
	return NewError(CodeDisconnected, "%s failed: %v", operation, err).
		WithDetail("operation", operation).
		WithDetail("error_type", fmt.Sprintf("%T", err)).
		WithSuggestion(suggestionNetwork).
		Wrap(err)
}

// HTTPError maps a response with status >= 400 onto the taxonomy.
// symbolPath marks request paths where a 400/404 or a body mentioning
// "symbol" means the caller asked for an unknown ticker.
func HTTPError(operation, path string, status int, body []byte, symbolPath bool, authSuggestion string) *Error {
	raw := strings.TrimSpace(string(body))
	var payload map[string]any
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		if msg := ExtractErrorMessage(payload); msg != "" {
			raw = msg
		}
	}

	code := CodeRejected
	suggestion := ""
	lowered := strings.ToLower(raw)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = CodeDisconnected
		suggestion = authSuggestion
	case status == http.StatusTooManyRequests:
		code = CodeRateLimited
		suggestion = suggestionRateLimit
	case symbolPath && (status == http.StatusBadRequest || status == http.StatusNotFound || strings.Contains(lowered, "symbol")):
		code = CodeInvalidSymbol
		suggestion = suggestionSymbol
	}

	msg := raw
	if msg == "" {
		msg = http.StatusText(status)
	}
	return NewError(code, "%s failed: %s", operation, msg).
		WithDetail("operation", operation).
		WithDetail("status_code", status).
		WithDetail("path", path).
		WithSuggestion(suggestion)
}

var messageKeys = []string{"message", "Message", "error", "Error", "error_description"}

// ExtractErrorMessage searches payload for a message-bearing key, first at
// the top level and then recursively through nested objects and lists.
// Nested keys are visited in sorted order so the result is deterministic.
func ExtractErrorMessage(payload map[string]any) string {
	for _, key := range messageKeys {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := payload[k].(type) {
		case map[string]any:
			if nested := ExtractErrorMessage(v); nested != "" {
				return nested
			}
		case []any:
			for _, item := range v {
				switch it := item.(type) {
				case map[string]any:
					if nested := ExtractErrorMessage(it); nested != "" {
						return nested
					}
				case string:
					if strings.TrimSpace(it) != "" {
						return strings.TrimSpace(it)
					}
				}
			}
		}
	}
	return ""
}
