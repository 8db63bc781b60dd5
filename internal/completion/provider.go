package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNotConfigured is returned by providers that have no credentials or endpoint.
var ErrNotConfigured = errors.New("completion service not configured")

const (
	ProviderAuto      = "auto"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderHTTP      = "http"
	ProviderMock      = "mock"
	ProviderNone      = "none"
)

// Role is the author of a turn as the completion service sees it.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message. Only role and content cross this boundary.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a fully assembled completion call.
type Request struct {
	System  string `json:"system"`
	History []Turn `json:"history"`
	Message string `json:"message"`
}

// Provider turns an assembled request into reply text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// StatusError reports a non-2xx answer from an upstream API.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s status %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Code, body)
}

func (e *StatusError) HTTPStatus() int { return e.Code }

const (
	maxErrorBody    = 4 << 10
	maxResponseBody = 4 << 20
)

var errResponseTooLarge = errors.New("response body too large")

func newStatusError(provider string, code int, body []byte) *StatusError {
	return &StatusError{Provider: provider, Code: code, Body: clipUTF8(string(body), maxErrorBody)}
}

// readCapped reads all of r, failing once more than limit bytes arrive.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", errResponseTooLarge, limit)
	}
	return body, nil
}

// clipUTF8 shortens s to at most n bytes without splitting a rune. Invalid
// sequences are dropped.
func clipUTF8(s string, n int) string {
	if len(s) > n {
		s = s[:n]
		for i := 0; i < utf8.UTFMax && len(s) > 0; i++ {
			if r, size := utf8.DecodeLastRuneInString(s); r != utf8.RuneError || size > 1 {
				break
			}
			s = s[:len(s)-1]
		}
	}
	return strings.ToValidUTF8(s, "")
}

// Config controls provider construction.
type Config struct {
	Provider         string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string
	GeminiAPIKey     string
	GeminiModel      string
	HTTPURL          string
	MaxTokens        int
	Timeout          time.Duration
}

func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = ProviderAuto
	}

	switch mode {
	case ProviderAuto:
		return newAutoProvider(ctx, cfg)
	case ProviderAnthropic:
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for anthropic provider")
		}
		return NewAnthropicProvider(cfg), nil
	case ProviderGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("GEMINI_API_KEY is required for gemini provider")
		}
		return NewGeminiProvider(ctx, cfg)
	case ProviderHTTP:
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("COMPLETION_HTTP_URL is required for http provider")
		}
		return NewHTTPProvider(cfg.HTTPURL, cfg.MaxTokens, cfg.Timeout), nil
	case ProviderMock:
		return NewMockProvider(), nil
	case ProviderNone:
		return Unconfigured{}, nil
	default:
		return nil, fmt.Errorf("unsupported completion provider %q", cfg.Provider)
	}
}

// newAutoProvider picks the first provider with credentials. Without any,
// callers get Unconfigured so the pipeline can answer in demo mode.
func newAutoProvider(ctx context.Context, cfg Config) (Provider, error) {
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		return NewAnthropicProvider(cfg), nil
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		return NewGeminiProvider(ctx, cfg)
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		return NewHTTPProvider(cfg.HTTPURL, cfg.MaxTokens, cfg.Timeout), nil
	}
	return Unconfigured{}, nil
}

// Unconfigured always reports ErrNotConfigured.
type Unconfigured struct{}

func (Unconfigured) Name() string { return ProviderNone }

func (Unconfigured) Complete(context.Context, Request) (string, error) {
	return "", ErrNotConfigured
}

func clientTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}
