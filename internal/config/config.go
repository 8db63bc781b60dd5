package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// DefaultSecretKey is the development signing key. Status reports flag it.
const DefaultSecretKey = "change_this_in_production_use_openssl_rand_hex_32"

var defaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://localhost:3000",
	"http://127.0.0.1:5173",
	"http://127.0.0.1:3000",
}

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	CORSOrigins    []string
	AllowAnyOrigin bool

	ProjectName string
	APIPrefix   string

	DatabaseURL string

	SecretKey         string
	AccessTokenExpire time.Duration
	BcryptCost        int

	CompletionProvider  string
	AnthropicAPIKey     string
	AnthropicBaseURL    string
	ClaudeModel         string
	GeminiAPIKey        string
	GeminiModel         string
	CompletionHTTPURL   string
	CompletionMaxTokens int
	CompletionTimeout   time.Duration

	MaxConversationHistory int
	ChatSystemPrompt       string

	LockRedisURL string
	LockTTL      time.Duration

	// ConfigFile is the YAML overlay that was applied, if any.
	ConfigFile string
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads APP_CONFIG_FILE (if set) and the environment.
func Load() (Config, error) {
	return LoadFile(os.Getenv("APP_CONFIG_FILE"))
}

// LoadFile applies defaults, then the YAML file at path, then environment
// variables. The YAML file is a flat mapping of the same keys the
// environment uses.
func LoadFile(path string) (Config, error) {
	src := source{}
	if p := trimSpace(path); p != "" {
		raw, err := os.ReadFile(p)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &src.file); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", p, err)
		}
	}

	cfg := Config{
		BindAddr:           src.stringOr("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   src.stringOr("APP_METRICS_NAMESPACE", "memoria"),
		LogLevel:           src.stringOr("APP_LOG_LEVEL", "info"),
		LogFormat:          src.stringOr("APP_LOG_FORMAT", "json"),
		CORSOrigins:        src.listOr("APP_CORS_ORIGINS", defaultCORSOrigins),
		ProjectName:        src.stringOr("PROJECT_NAME", "Frederick Fire Chatbot"),
		APIPrefix:          normalizePrefix(src.stringOr("API_PREFIX", "/api")),
		DatabaseURL:        src.value("DATABASE_URL"),
		SecretKey:          src.stringOr("SECRET_KEY", DefaultSecretKey),
		CompletionProvider: strings.ToLower(src.stringOr("COMPLETION_PROVIDER", "auto")),
		AnthropicAPIKey:    src.value("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:   src.stringOr("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
		ClaudeModel:        src.stringOr("CLAUDE_MODEL", "claude-sonnet-4-20250514"),
		GeminiAPIKey:       src.value("GEMINI_API_KEY"),
		GeminiModel:        src.stringOr("GEMINI_MODEL", "gemini-2.5-flash"),
		CompletionHTTPURL:  src.value("COMPLETION_HTTP_URL"),
		ChatSystemPrompt:   src.value("CHAT_SYSTEM_PROMPT"),
		LockRedisURL:       src.value("LOCK_REDIS_URL"),
		ConfigFile:         trimSpace(path),
	}

	var err error
	if cfg.ShutdownTimeout, err = src.durationValue("APP_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = src.boolValue("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	expireMinutes, err := src.intValue("ACCESS_TOKEN_EXPIRE_MINUTES", 60)
	if err != nil {
		return Config{}, err
	}
	cfg.AccessTokenExpire = time.Duration(expireMinutes) * time.Minute
	if cfg.BcryptCost, err = src.intValue("BCRYPT_COST", bcrypt.DefaultCost); err != nil {
		return Config{}, err
	}
	if cfg.CompletionMaxTokens, err = src.intValue("COMPLETION_MAX_TOKENS", 1024); err != nil {
		return Config{}, err
	}
	if cfg.CompletionTimeout, err = src.durationValue("COMPLETION_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MaxConversationHistory, err = src.intValue("MAX_CONVERSATION_HISTORY", 20); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL, err = src.durationValue("LOCK_TTL", 2*time.Minute); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxConversationHistory < 1 {
		return fmt.Errorf("MAX_CONVERSATION_HISTORY must be >= 1")
	}
	if c.CompletionTimeout < time.Second {
		return fmt.Errorf("COMPLETION_TIMEOUT must be >= 1s")
	}
	if c.CompletionMaxTokens < 1 {
		return fmt.Errorf("COMPLETION_MAX_TOKENS must be >= 1")
	}
	if c.AccessTokenExpire < time.Minute {
		return fmt.Errorf("ACCESS_TOKEN_EXPIRE_MINUTES must be >= 1")
	}
	if trimSpace(c.SecretKey) == "" {
		return fmt.Errorf("SECRET_KEY must not be empty")
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be within [%d,%d]", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.LockTTL < c.CompletionTimeout {
		return fmt.Errorf("LOCK_TTL must be >= COMPLETION_TIMEOUT")
	}
	switch c.CompletionProvider {
	case "auto", "anthropic", "gemini", "http", "mock", "none":
	default:
		return fmt.Errorf("COMPLETION_PROVIDER %q is not supported", c.CompletionProvider)
	}
	return nil
}

// UsesDefaultSecret reports whether tokens are signed with the development key.
func (c Config) UsesDefaultSecret() bool {
	return c.SecretKey == DefaultSecretKey
}

func normalizePrefix(p string) string {
	p = "/" + strings.Trim(trimSpace(p), "/")
	if p == "/" {
		return ""
	}
	return p
}

// source resolves a key from the environment first, then the YAML file.
type source struct {
	file map[string]string
}

func (s source) value(key string) string {
	if v := stringsTrimSpace(key); v != "" {
		return v
	}
	return trimSpace(s.file[key])
}

func (s source) stringOr(key, fallback string) string {
	if v := s.value(key); v != "" {
		return v
	}
	return fallback
}

func (s source) listOr(key string, fallback []string) []string {
	v := s.value(key)
	if v == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := trimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func (s source) durationValue(key string, fallback time.Duration) (time.Duration, error) {
	v := s.value(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intValue(key string, fallback int) (int, error) {
	v := s.value(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) boolValue(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.value(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
