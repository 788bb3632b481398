package lwa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// GeneratePKCE generates a new pair of PKCE (Proof Key for Code Exchange)
// codes as specified in RFC 7636. The verifier is 32 random bytes encoded as
// 43 URL-safe base64 characters (the RFC minimum length) and the challenge is
// the unpadded base64url SHA256 of the verifier. The method is always S256.
func GeneratePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("lwa: failed to generate code verifier: %w", err)
	}
	verifier = base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:])
	return verifier, challenge, nil
}

// GenerateState creates a cryptographically random state parameter for the
// authorization request.
func GenerateState() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("lwa: failed to generate state: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw), nil
}

// ValidateState compares a callback state against the expected value in
// constant time. Empty strings never validate.
func ValidateState(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
