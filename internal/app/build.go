package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/memoria/internal/auth"
	"github.com/ent0n29/memoria/internal/chat"
	"github.com/ent0n29/memoria/internal/completion"
	"github.com/ent0n29/memoria/internal/config"
	"github.com/ent0n29/memoria/internal/convlock"
	"github.com/ent0n29/memoria/internal/httpapi"
	"github.com/ent0n29/memoria/internal/memory"
	"github.com/ent0n29/memoria/internal/observability"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Store    memory.Store
	Chat     *chat.Service
	Auth     *auth.Service
	Metrics  *observability.Metrics
	Provider string
	Locker   string

	// Cleanup should be called on shutdown to release external resources (DB, Redis).
	Cleanup func() error
}

// Build wires the store, completion provider, conversation lock and HTTP API.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	authService, err := NewAuth(store, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	provider, err := completion.NewProvider(ctx, completion.Config{
		Provider:         cfg.CompletionProvider,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		AnthropicModel:   cfg.ClaudeModel,
		GeminiAPIKey:     cfg.GeminiAPIKey,
		GeminiModel:      cfg.GeminiModel,
		HTTPURL:          cfg.CompletionHTTPURL,
		MaxTokens:        cfg.CompletionMaxTokens,
		Timeout:          cfg.CompletionTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("completion provider init failed: %w", err)
	}

	var (
		locker      convlock.Locker = convlock.NewLocal()
		closeLocker func() error
	)
	if strings.TrimSpace(cfg.LockRedisURL) != "" {
		r, err := convlock.NewRedis(ctx, cfg.LockRedisURL, cfg.LockTTL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("conversation lock init failed: %w", err)
		}
		locker = r
		closeLocker = r.Close
	}

	chatService := chat.NewService(chat.Dependencies{
		Store:    store,
		Provider: provider,
		Locker:   locker,
		Metrics:  metrics,
		Logger:   logger,
	}, chat.Config{
		SystemPrompt:      cfg.ChatSystemPrompt,
		HistoryLimit:      cfg.MaxConversationHistory,
		CompletionTimeout: cfg.CompletionTimeout,
	})

	logger.Info("components ready",
		zap.String("store", memory.Backend(cfg.DatabaseURL)),
		zap.String("completion_provider", provider.Name()),
		zap.String("lock", locker.Backend()),
	)
	if cfg.UsesDefaultSecret() {
		logger.Warn("SECRET_KEY is the development default; tokens are forgeable")
	}
	if provider.Name() == completion.ProviderNone {
		logger.Warn("no completion provider configured; replies run in demo mode")
	}

	api := httpapi.New(cfg, chatService, authService, metrics, logger)

	cleanup := func() error {
		var errs []string
		if closeLocker != nil {
			if err := closeLocker(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Store:    store,
		Chat:     chatService,
		Auth:     authService,
		Metrics:  metrics,
		Provider: provider.Name(),
		Locker:   locker.Backend(),
		Cleanup:  cleanup,
	}, nil
}

// NewAuth builds the auth service from config. The CLI uses it directly for
// user administration without starting the HTTP stack.
func NewAuth(store memory.Store, cfg config.Config) (*auth.Service, error) {
	svc, err := auth.NewService(store, auth.Config{
		SecretKey:   cfg.SecretKey,
		TokenTTL:    cfg.AccessTokenExpire,
		BcryptCost:  cfg.BcryptCost,
		TokenIssuer: cfg.ProjectName,
	})
	if err != nil {
		return nil, fmt.Errorf("auth init failed: %w", err)
	}
	return svc, nil
}
