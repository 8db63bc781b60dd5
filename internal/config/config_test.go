package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.APIPrefix != "/api" {
		t.Fatalf("APIPrefix = %q, want /api", cfg.APIPrefix)
	}
	if cfg.MaxConversationHistory != 20 {
		t.Fatalf("MaxConversationHistory = %d, want 20", cfg.MaxConversationHistory)
	}
	if cfg.AccessTokenExpire != time.Hour {
		t.Fatalf("AccessTokenExpire = %v, want 1h", cfg.AccessTokenExpire)
	}
	if cfg.CompletionTimeout != 60*time.Second || cfg.CompletionMaxTokens != 1024 {
		t.Fatalf("completion defaults = %v/%d", cfg.CompletionTimeout, cfg.CompletionMaxTokens)
	}
	if cfg.CompletionProvider != "auto" {
		t.Fatalf("CompletionProvider = %q, want auto", cfg.CompletionProvider)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
	if !cfg.UsesDefaultSecret() {
		t.Fatalf("UsesDefaultSecret() = false, want true")
	}
	if len(cfg.CORSOrigins) != 4 {
		t.Fatalf("CORSOrigins = %v, want 4 dev origins", cfg.CORSOrigins)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("API_PREFIX", "v1/")
	t.Setenv("MAX_CONVERSATION_HISTORY", "5")
	t.Setenv("APP_CORS_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("COMPLETION_PROVIDER", "Mock")
	t.Setenv("ACCESS_TOKEN_EXPIRE_MINUTES", "15")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.APIPrefix != "/v1" || cfg.MaxConversationHistory != 5 {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.CompletionProvider != "mock" {
		t.Fatalf("CompletionProvider = %q, want mock", cfg.CompletionProvider)
	}
	if cfg.AccessTokenExpire != 15*time.Minute {
		t.Fatalf("AccessTokenExpire = %v, want 15m", cfg.AccessTokenExpire)
	}
}

func TestLoadFileOverlayPrecedence(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "memoria.yaml")
	body := "APP_BIND_ADDR: \":7070\"\nMAX_CONVERSATION_HISTORY: \"8\"\nDATABASE_URL: \"sqlite:///tmp/memoria.db\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("MAX_CONVERSATION_HISTORY", "12")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want file value", cfg.BindAddr)
	}
	if cfg.MaxConversationHistory != 12 {
		t.Fatalf("MaxConversationHistory = %d, want env value 12", cfg.MaxConversationHistory)
	}
	if cfg.DatabaseURL != "sqlite:///tmp/memoria.db" {
		t.Fatalf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.ConfigFile != path {
		t.Fatalf("ConfigFile = %q, want %q", cfg.ConfigFile, path)
	}
}

func TestLoadFileMissing(t *testing.T) {
	setCoreEnvEmpty(t)
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("LoadFile() expected error for missing file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"MAX_CONVERSATION_HISTORY":    "0",
		"COMPLETION_TIMEOUT":          "10ms",
		"ACCESS_TOKEN_EXPIRE_MINUTES": "0",
		"BCRYPT_COST":                 "64",
		"COMPLETION_PROVIDER":         "openai",
		"APP_ALLOW_ANY_ORIGIN":        "maybe",
		"LOCK_TTL":                    "5s",
		"APP_SHUTDOWN_TIMEOUT":        "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q expected error", key, value)
			}
		})
	}
}

func TestLoadDotEnvSkipsMissingFiles(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("PROJECT_NAME=From DotEnv\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	// godotenv never overrides a variable that exists, even when empty.
	os.Unsetenv("PROJECT_NAME")
	t.Cleanup(func() { os.Unsetenv("PROJECT_NAME") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ProjectName != "From DotEnv" {
		t.Fatalf("ProjectName = %q, want value from .env", cfg.ProjectName)
	}
}

func TestNormalizePrefix(t *testing.T) {
	cases := map[string]string{
		"/api":  "/api",
		"api/":  "/api",
		"/":     "",
		"":      "",
		"/v1/x": "/v1/x",
	}
	for in, want := range cases {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_CORS_ORIGINS",
		"APP_ALLOW_ANY_ORIGIN",
		"PROJECT_NAME",
		"API_PREFIX",
		"DATABASE_URL",
		"SECRET_KEY",
		"ACCESS_TOKEN_EXPIRE_MINUTES",
		"BCRYPT_COST",
		"COMPLETION_PROVIDER",
		"ANTHROPIC_API_KEY",
		"ANTHROPIC_BASE_URL",
		"CLAUDE_MODEL",
		"GEMINI_API_KEY",
		"GEMINI_MODEL",
		"COMPLETION_HTTP_URL",
		"COMPLETION_MAX_TOKENS",
		"COMPLETION_TIMEOUT",
		"MAX_CONVERSATION_HISTORY",
		"CHAT_SYSTEM_PROMPT",
		"LOCK_REDIS_URL",
		"LOCK_TTL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
