// Package errors defines the structured error type shared by the supervisor,
// the share broker and the HTTP API. Every client-visible failure is an AppError
// so the API layer can map it to a status code and a stable machine code.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes surfaced to API clients.
const (
	CodeSpawn               = "SPAWN_ERROR"
	CodeNotReady            = "NOT_READY"
	CodeUpstream            = "UPSTREAM_ERROR"
	CodeUpstreamUnreachable = "UPSTREAM_UNREACHABLE"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// WithDetail returns e after setting a single detail entry.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// Upstream builds the error returned when the backend answered a share request
// with a non-success status. The upstream body is kept verbatim as diagnostic detail.
func Upstream(status int, body []byte) *AppError {
	e := New(http.StatusBadGateway, CodeUpstream, "backend rejected share request",
		fmt.Errorf("backend returned status %d", status))
	return e.WithDetail("upstream_status", status).WithDetail("upstream_body", string(body))
}

// Unreachable builds the error returned when the backend could not be reached at all.
func Unreachable(err error) *AppError {
	return New(http.StatusBadGateway, CodeUpstreamUnreachable, "backend unreachable", err)
}

// HasCode reports whether err is, or wraps, an AppError carrying code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// From converts any error into an AppError, preserving existing AppErrors.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(http.StatusInternalServerError, CodeInternal, "internal error", err)
}
