package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/memoria/internal/completion"
	"github.com/ent0n29/memoria/internal/convlock"
	"github.com/ent0n29/memoria/internal/memory"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	Service            string        `json:"service"`
	StoreBackend       string        `json:"store_backend"`
	CompletionProvider string        `json:"completion_provider"`
	LockBackend        string        `json:"lock_backend"`
	HistoryLimit       int           `json:"history_limit"`
	Checks             []statusCheck `json:"checks"`
}

// handleStatus reports how the deployment is wired and what still needs
// attention before it is production-ready.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	store := memory.Backend(s.cfg.DatabaseURL)
	provider := s.chat.ProviderName()
	lock := s.chat.LockBackend()

	checks := make([]statusCheck, 0, 6)
	checks = append(checks, storeCheck(store))
	checks = append(checks, s.completionChecks(provider)...)
	if lock == convlock.BackendRedis {
		checks = append(checks, statusCheck{
			ID:     "conversation_lock",
			Status: "ok",
			Label:  "Conversation lock",
			Detail: "redis",
		})
	} else {
		checks = append(checks, statusCheck{
			ID:     "conversation_lock",
			Status: "ok",
			Label:  "Conversation lock",
			Detail: "in-process",
			Fix:    "Set LOCK_REDIS_URL when running more than one instance.",
		})
	}
	if s.cfg.UsesDefaultSecret() {
		checks = append(checks, statusCheck{
			ID:     "secret_key",
			Status: "warn",
			Label:  "Token signing key",
			Detail: "default development key",
			Fix:    "Set SECRET_KEY (for example `openssl rand -hex 32`).",
		})
	} else {
		checks = append(checks, statusCheck{
			ID:     "secret_key",
			Status: "ok",
			Label:  "Token signing key",
			Detail: "configured",
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		Service:            s.cfg.ProjectName,
		StoreBackend:       store,
		CompletionProvider: provider,
		LockBackend:        lock,
		HistoryLimit:       s.cfg.MaxConversationHistory,
		Checks:             checks,
	})
}

func storeCheck(backend string) statusCheck {
	switch backend {
	case memory.BackendInMemory:
		return statusCheck{
			ID:     "record_store",
			Status: "warn",
			Label:  "Record store",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to persist conversations across restarts.",
		}
	default:
		return statusCheck{
			ID:     "record_store",
			Status: "ok",
			Label:  "Record store",
			Detail: backend,
		}
	}
}

func (s *Server) completionChecks(provider string) []statusCheck {
	switch provider {
	case completion.ProviderNone:
		return []statusCheck{{
			ID:     "completion_provider",
			Status: "warn",
			Label:  "Completion service",
			Detail: "not configured; replies use demo mode",
			Fix:    "Set ANTHROPIC_API_KEY, GEMINI_API_KEY or COMPLETION_HTTP_URL.",
		}}
	case completion.ProviderMock:
		return []statusCheck{{
			ID:     "completion_provider",
			Status: "warn",
			Label:  "Completion service",
			Detail: "mock provider echoes messages",
		}}
	case completion.ProviderHTTP:
		out := []statusCheck{{
			ID:     "completion_provider",
			Status: "ok",
			Label:  "Completion service",
			Detail: provider,
		}}
		if err := probeTCP(s.cfg.CompletionHTTPURL, 400*time.Millisecond); err != nil {
			out = append(out, statusCheck{
				ID:     "completion_http_reachable",
				Status: "error",
				Label:  "Completion endpoint reachable",
				Detail: err.Error(),
				Fix:    "Start the completion endpoint or fix COMPLETION_HTTP_URL.",
			})
		} else {
			out = append(out, statusCheck{
				ID:     "completion_http_reachable",
				Status: "ok",
				Label:  "Completion endpoint reachable",
			})
		}
		return out
	default:
		return []statusCheck{{
			ID:     "completion_provider",
			Status: "ok",
			Label:  "Completion service",
			Detail: provider,
		}}
	}
}

// probeTCP dials the host of raw to see whether anything is listening.
func probeTCP(raw string, timeout time.Duration) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return fmt.Errorf("host missing")
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(host, port)
	}
	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}
