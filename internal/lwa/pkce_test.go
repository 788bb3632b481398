package lwa

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE: %v", err)
	}
	// 32 random bytes encode to exactly 43 unpadded base64url characters,
	// the RFC 7636 minimum verifier length.
	if len(verifier) != 43 {
		t.Errorf("verifier length = %d, want 43", len(verifier))
	}
	if strings.ContainsAny(verifier, "+/=") {
		t.Errorf("verifier %q is not URL-safe unpadded base64", verifier)
	}

	hash := sha256.Sum256([]byte(verifier))
	want := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:])
	if challenge != want {
		t.Errorf("challenge = %q, want S256 of verifier %q", challenge, want)
	}
}

func TestGeneratePKCE_Unique(t *testing.T) {
	v1, _, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE: %v", err)
	}
	v2, _, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE: %v", err)
	}
	if v1 == v2 {
		t.Errorf("two verifiers should never collide")
	}
}

func TestGenerateState(t *testing.T) {
	state, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	if len(state) != 43 {
		t.Errorf("state length = %d, want 43", len(state))
	}
}

func TestValidateState(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
		ok   bool
	}{
		{"match", "abc123", "abc123", true},
		{"mismatch", "abc123", "abc124", false},
		{"empty got", "", "abc123", false},
		{"empty want", "abc123", "", false},
		{"both empty", "", "", false},
		{"length differs", "abc", "abcdef", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateState(tt.got, tt.want); got != tt.ok {
				t.Errorf("ValidateState(%q, %q) = %v, want %v", tt.got, tt.want, got, tt.ok)
			}
		})
	}
}
