package lwa

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Sentinel errors classifying Login-with-Amazon failures. The reauth decider
// maps these onto reauthorization scenarios.
var (
	// ErrInvalidGrant marks a refresh token Amazon no longer accepts
	// (expired, revoked by the user, or revoked by app removal).
	ErrInvalidGrant = errors.New("lwa: invalid_grant")
	// ErrInvalidCode marks an authorization code Amazon rejected during the
	// initial exchange.
	ErrInvalidCode = errors.New("lwa: authorization code rejected")
	// ErrInvalidClient marks rejected client credentials, typically after a
	// security-profile secret rotation.
	ErrInvalidClient = errors.New("lwa: invalid_client")
	// ErrScope marks an unsupported grant type or rejected scope.
	ErrScope = errors.New("lwa: scope rejected")
	// ErrNetwork marks timeouts and connection-level failures. Retryable.
	ErrNetwork = errors.New("lwa: network failure")
)

// OAuthError carries the decoded LWA error body alongside the HTTP status.
type OAuthError struct {
	StatusCode  int
	Code        string
	Description string
	sentinel    error
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("lwa: token endpoint returned %d %s: %s", e.StatusCode, e.Code, e.Description)
	}
	if e.Code != "" {
		return fmt.Sprintf("lwa: token endpoint returned %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("lwa: token endpoint returned HTTP %d", e.StatusCode)
}

// Unwrap exposes the sentinel so callers can use errors.Is.
func (e *OAuthError) Unwrap() error {
	return e.sentinel
}

// classifyErrorBody maps an LWA error response onto the sentinel taxonomy.
func classifyErrorBody(statusCode int, body []byte) error {
	code := gjson.GetBytes(body, "error").String()
	description := gjson.GetBytes(body, "error_description").String()
	oe := &OAuthError{StatusCode: statusCode, Code: code, Description: description}
	switch code {
	case "invalid_grant":
		if strings.Contains(strings.ToLower(description), "authorization code") {
			oe.sentinel = ErrInvalidCode
		} else {
			oe.sentinel = ErrInvalidGrant
		}
	case "invalid_client", "unauthorized_client":
		oe.sentinel = ErrInvalidClient
	case "unsupported_grant_type", "invalid_scope":
		oe.sentinel = ErrScope
	}
	return oe
}

// IsRetryable reports whether a refresh attempt against the same endpoint
// can reasonably be repeated. Grant, client and scope rejections are
// terminal; network failures and 5xx/429 responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidGrant) || errors.Is(err, ErrInvalidClient) ||
		errors.Is(err, ErrInvalidCode) || errors.Is(err, ErrScope) {
		return false
	}
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe.StatusCode == 429 || oe.StatusCode >= 500
	}
	return errors.Is(err, ErrNetwork)
}
