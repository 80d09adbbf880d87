// Package gwerrors defines the client-visible error type for the gateway.
// Errors are rendered as RFC 7807 problem+json documents; internal detail
// (the wrapped error) is logged but never serialized.
package gwerrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error that can be returned to clients as problem+json.
type GatewayError struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Detail     string `json:"detail,omitempty"`
	Status     int    `json:"status"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Title, e.underlying)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return e.Title
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as problem+json to the response.
// Base error singletons use pre-serialized bytes to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

const typePrefix = "https://aussie.dev/problems/"

// Common errors
var (
	ErrBadRequest = &GatewayError{
		Type:   typePrefix + "bad-request",
		Title:  "Bad Request",
		Status: http.StatusBadRequest,
	}

	ErrUnauthorized = &GatewayError{
		Type:   typePrefix + "unauthorized",
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
	}

	ErrForbidden = &GatewayError{
		Type:   typePrefix + "forbidden",
		Title:  "Forbidden",
		Status: http.StatusForbidden,
	}

	ErrNotFound = &GatewayError{
		Type:   typePrefix + "not-found",
		Title:  "Not Found",
		Status: http.StatusNotFound,
	}

	ErrConflict = &GatewayError{
		Type:   typePrefix + "conflict",
		Title:  "Conflict",
		Status: http.StatusConflict,
	}

	ErrPayloadTooLarge = &GatewayError{
		Type:   typePrefix + "payload-too-large",
		Title:  "Request Entity Too Large",
		Status: http.StatusRequestEntityTooLarge,
	}

	ErrHeadersTooLarge = &GatewayError{
		Type:   typePrefix + "headers-too-large",
		Title:  "Request Header Fields Too Large",
		Status: http.StatusRequestHeaderFieldsTooLarge,
	}

	ErrTooManyRequests = &GatewayError{
		Type:   typePrefix + "rate-limited",
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
	}

	ErrInternalServer = &GatewayError{
		Type:   typePrefix + "internal",
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
	}

	ErrBadGateway = &GatewayError{
		Type:   typePrefix + "upstream",
		Title:  "Bad Gateway",
		Status: http.StatusBadGateway,
	}

	ErrGatewayTimeout = &GatewayError{
		Type:   typePrefix + "upstream-timeout",
		Title:  "Gateway Timeout",
		Status: http.StatusGatewayTimeout,
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrNotFound,
		ErrConflict, ErrPayloadTooLarge, ErrHeadersTooLarge,
		ErrTooManyRequests, ErrInternalServer, ErrBadGateway,
		ErrGatewayTimeout,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(status int, title string) *GatewayError {
	return &GatewayError{
		Type:   typePrefix + "generic",
		Title:  title,
		Status: status,
	}
}

// Wrap wraps an error with a client-visible status and title.
func Wrap(err error, status int, title string) *GatewayError {
	return &GatewayError{
		Type:       typePrefix + "generic",
		Title:      title,
		Status:     status,
		underlying: err,
	}
}

// WithDetail returns a copy carrying a client-visible detail string.
func (e *GatewayError) WithDetail(detail string) *GatewayError {
	return &GatewayError{
		Type:       e.Type,
		Title:      e.Title,
		Detail:     detail,
		Status:     e.Status,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy carrying the request ID.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Type:       e.Type,
		Title:      e.Title,
		Detail:     e.Detail,
		Status:     e.Status,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// AsGatewayError checks if an error is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
