package util

import (
	"net/url"
	"strings"
	"testing"
)

func TestRedactToken(t *testing.T) {
	tests := []struct {
		name string
		tok  string
		want string
	}{
		{"empty", "", "***"},
		{"short", "Atza|abc", "***"},
		{"long", "Atza|IwEBIHtabcdefghijklmnop", "Atza...mnop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactToken(tt.tok); got != tt.want {
				t.Errorf("RedactToken(%q) = %q, want %q", tt.tok, got, tt.want)
			}
		})
	}
}

func TestMaskSensitiveQuery(t *testing.T) {
	masked := MaskSensitiveQuery("state=abc&code=supersecret&foo=bar")
	values, err := url.ParseQuery(masked)
	if err != nil {
		t.Fatalf("masked query not parseable: %v", err)
	}
	if values.Get("code") != "[REDACTED]" {
		t.Errorf("code should be redacted, got %q", values.Get("code"))
	}
	if values.Get("foo") != "bar" {
		t.Errorf("foo should survive masking, got %q", values.Get("foo"))
	}
	if strings.Contains(masked, "supersecret") {
		t.Errorf("masked query still contains the secret: %s", masked)
	}
}

func TestMaskSensitiveQuery_Passthrough(t *testing.T) {
	if got := MaskSensitiveQuery(""); got != "" {
		t.Errorf("empty query should stay empty, got %q", got)
	}
	if got := MaskSensitiveQuery("page=2&limit=10"); got != "page=2&limit=10" {
		t.Errorf("benign query should be untouched, got %q", got)
	}
}
