// Package errors defines the structured application error used across the
// AlexaHub service and the constructors for the OAuth failure cases the
// management API reports to clients.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
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

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// NewInvalidState reports an OAuth callback whose state parameter did not
// match any pending link flow.
func NewInvalidState(err error) *AppError {
	return New(http.StatusBadRequest, "invalid_state", "oauth state mismatch", err)
}

// NewInvalidCode reports an authorization code Amazon rejected.
func NewInvalidCode(err error) *AppError {
	return New(http.StatusBadRequest, "invalid_code", "authorization code rejected", err)
}

// NewInvalidGrant reports a refresh token Amazon no longer accepts.
func NewInvalidGrant(err error) *AppError {
	return New(http.StatusUnauthorized, "invalid_grant", "refresh token no longer valid", err)
}

// NewCannotConnect reports a network-level failure reaching Amazon.
func NewCannotConnect(err error) *AppError {
	return New(http.StatusBadGateway, "cannot_connect", "unable to reach Amazon", err)
}

// NewNotFound reports a missing entry or resource.
func NewNotFound(message string) *AppError {
	return New(http.StatusNotFound, "not_found", message, nil)
}

// NewUnauthorized reports a missing or invalid management key.
func NewUnauthorized(message string) *AppError {
	return New(http.StatusUnauthorized, "unauthorized", message, nil)
}

// NewUnknown wraps an unexpected internal failure.
func NewUnknown(err error) *AppError {
	return New(http.StatusInternalServerError, "unknown", "internal error", err)
}
