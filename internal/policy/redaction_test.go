package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if strings.Contains(out, "sam@example.com") {
		t.Fatalf("email leaked: %q", out)
	}
}

func TestRedactPIIUnchanged(t *testing.T) {
	out, changed := RedactPII("Need a quote for two extinguishers")
	if changed {
		t.Fatalf("changed = true, want false (out = %q)", out)
	}
}

func TestLogPreview(t *testing.T) {
	got := LogPreview("call  me\nat 555-123-4567 please", 0)
	if got != "call me at [REDACTED_PHONE] please" {
		t.Fatalf("LogPreview() = %q", got)
	}

	got = LogPreview("héllo wörld", 5)
	if got != "héllo…" {
		t.Fatalf("LogPreview() = %q, want %q", got, "héllo…")
	}
}
