package memory

import (
	"context"
	"strings"
)

const (
	BackendInMemory = "in-memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Backend names the store implementation selected by databaseURL.
func Backend(databaseURL string) string {
	u := strings.ToLower(strings.TrimSpace(databaseURL))
	switch {
	case u == "":
		return BackendInMemory
	case strings.HasPrefix(u, "sqlite:"), strings.HasPrefix(u, "file:"), u == ":memory:":
		return BackendSQLite
	default:
		return BackendPostgres
	}
}

// NewStore creates a postgres or sqlite backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	switch Backend(databaseURL) {
	case BackendInMemory:
		return NewInMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(ctx, databaseURL)
	default:
		return NewPostgresStore(ctx, databaseURL)
	}
}
