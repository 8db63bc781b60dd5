package completion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewProviderAutoWithoutCredentialsIsUnconfigured(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Provider: "auto"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Name() != ProviderNone {
		t.Fatalf("Name() = %q, want %q", p.Name(), ProviderNone)
	}
	_, err = p.Complete(context.Background(), Request{Message: "hello"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Complete() error = %v, want ErrNotConfigured", err)
	}
}

func TestNewProviderAutoPrefersAnthropic(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{
		AnthropicAPIKey: "sk-test",
		HTTPURL:         "http://example.test",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Name() != ProviderAnthropic {
		t.Fatalf("Name() = %q, want %q", p.Name(), ProviderAnthropic)
	}
}

func TestNewProviderAutoFallsBackToHTTP(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{HTTPURL: "http://example.test"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Name() != ProviderHTTP {
		t.Fatalf("Name() = %q, want %q", p.Name(), ProviderHTTP)
	}
}

func TestNewProviderExplicitModesRequireSettings(t *testing.T) {
	for _, mode := range []string{ProviderAnthropic, ProviderGemini, ProviderHTTP} {
		if _, err := NewProvider(context.Background(), Config{Provider: mode}); err == nil {
			t.Fatalf("NewProvider(%q) expected error without settings", mode)
		}
	}
	if _, err := NewProvider(context.Background(), Config{Provider: "bogus"}); err == nil {
		t.Fatalf("NewProvider(bogus) expected error")
	}
}

func TestMockProviderEchoesAndRemembers(t *testing.T) {
	p := NewMockProvider()
	got, err := p.Complete(context.Background(), Request{Message: "hello"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "I heard you: hello" {
		t.Fatalf("Complete() = %q", got)
	}

	got, err = p.Complete(context.Background(), Request{
		Message: "and now?",
		History: []Turn{{Role: RoleUser, Content: "first"}, {Role: RoleAssistant, Content: "ok"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !strings.Contains(got, "I also remember: ok") {
		t.Fatalf("Complete() = %q, want remembered history", got)
	}
}

func TestMockProviderHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMockProvider().Complete(ctx, Request{Message: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Complete() error = %v, want context.Canceled", err)
	}
}

func TestStatusErrorExposesCode(t *testing.T) {
	var err error = &StatusError{Provider: ProviderHTTP, Code: 503, Body: " busy "}
	var se interface{ HTTPStatus() int }
	if !errors.As(err, &se) || se.HTTPStatus() != 503 {
		t.Fatalf("HTTPStatus() not exposed for %v", err)
	}
	if err.Error() != "http status 503: busy" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestClientTimeoutDefault(t *testing.T) {
	if got := clientTimeout(0); got != 60*time.Second {
		t.Fatalf("clientTimeout(0) = %v, want 60s", got)
	}
	if got := clientTimeout(5 * time.Second); got != 5*time.Second {
		t.Fatalf("clientTimeout(5s) = %v, want 5s", got)
	}
}

func TestClipUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "héllo", n: 10, want: "héllo"},
		{name: "cut inside rune", in: "aé", n: 2, want: "a"},
		{name: "cut on boundary", in: "éé", n: 2, want: "é"},
		{name: "four byte rune", in: "a😀", n: 4, want: "a"},
		{name: "invalid bytes dropped", in: "a\xffb", n: 10, want: "ab"},
		{name: "replacement char kept", in: "a\uFFFDb", n: 4, want: "a\uFFFD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clipUTF8(tt.in, tt.n); got != tt.want {
				t.Fatalf("clipUTF8(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
