// Package util provides small shared helpers: token redaction for logs,
// outbound proxy wiring, and transparent response body decoding.
package util

import (
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// RedactToken shortens a token so it can appear in log output without
// leaking credential material. Tokens shorter than 16 characters are fully
// masked.
func RedactToken(tok string) string {
	if len(tok) < 16 {
		return "***"
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}

// MaskSensitiveQuery redacts credential-bearing query parameters before a
// request URL is logged.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return redactedValue
	}
	changed := false
	for key := range values {
		if isSensitiveKey(key) {
			values.Set(key, redactedValue)
			changed = true
		}
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(k, "code"),
		strings.Contains(k, "secret"),
		strings.Contains(k, "token"),
		strings.Contains(k, "api_key"),
		strings.Contains(k, "apikey"),
		strings.Contains(k, "password"):
		return true
	default:
		return false
	}
}
