package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore persists users, profiles and conversations in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// normalizeDSN accepts SQLAlchemy-style driver suffixes found in shared .env files.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, prefix := range []string{"postgresql+asyncpg://", "postgresql+psycopg2://", "postgresql+pgx://"} {
		s = strings.Replace(s, prefix, "postgresql://", 1)
	}
	for _, prefix := range []string{"postgres+asyncpg://", "postgres+pgx://"} {
		s = strings.Replace(s, prefix, "postgres://", 1)
	}
	return s
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_profiles (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE REFERENCES users(id),
			display_name TEXT NULL,
			company_name TEXT NULL,
			phone TEXT NULL,
			preferences TEXT NULL,
			notes TEXT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			title TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := nextTimestamp(time.Time{}, s.now())
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    now,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, is_active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.PasswordHash, u.Active, u.CreatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO user_profiles (id, user_id, updated_at) VALUES ($1, $2, $3)`,
		uuid.NewString(), u.ID, now,
	)
	if err != nil {
		return User{}, fmt.Errorf("insert profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, fmt.Errorf("commit tx: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, is_active, created_at FROM users WHERE id=$1`,
		userID,
	)
	return scanPgUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, is_active, created_at FROM users WHERE email=$1`,
		email,
	)
	return scanPgUser(row)
}

func (s *PostgresStore) SetUserActive(ctx context.Context, email string, active bool) (User, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE users SET is_active=$2 WHERE email=$1
		 RETURNING id, email, password_hash, is_active, created_at`,
		email, active,
	)
	return scanPgUser(row)
}

func scanPgUser(row pgx.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *PostgresStore) EnsureProfile(ctx context.Context, userID string) (Profile, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_profiles (id, user_id, updated_at)
		 SELECT $1, id, $3 FROM users WHERE id=$2
		 ON CONFLICT (user_id) DO NOTHING`,
		uuid.NewString(), userID, nextTimestamp(time.Time{}, s.now()),
	)
	if err != nil {
		return Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	row := s.pool.QueryRow(ctx, profileSelect+` WHERE user_id=$1`, userID)
	return scanPgProfile(row)
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (Profile, error) {
	if _, err := s.EnsureProfile(ctx, userID); err != nil {
		return Profile{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Profile{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPgProfile(tx.QueryRow(ctx, profileSelect+` WHERE user_id=$1 FOR UPDATE`, userID))
	if err != nil {
		return Profile{}, err
	}
	patch.Apply(&p)
	p.UpdatedAt = nextTimestamp(p.UpdatedAt, s.now())

	_, err = tx.Exec(ctx,
		`UPDATE user_profiles SET display_name=$2, company_name=$3, phone=$4, preferences=$5, notes=$6, updated_at=$7
		 WHERE user_id=$1`,
		userID, p.DisplayName, p.CompanyName, p.Phone, p.Preferences, p.Notes, p.UpdatedAt,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Profile{}, fmt.Errorf("commit tx: %w", err)
	}
	return p, nil
}

const profileSelect = `SELECT id, user_id, display_name, company_name, phone, preferences, notes, updated_at FROM user_profiles`

func scanPgProfile(row pgx.Row) (Profile, error) {
	var p Profile
	if err := row.Scan(&p.ID, &p.UserID, &p.DisplayName, &p.CompanyName, &p.Phone, &p.Preferences, &p.Notes, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, userID string, title *string) (Conversation, error) {
	now := nextTimestamp(time.Time{}, s.now())
	c := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     cloneString(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE user_id=$1 ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, 8)
	for rows.Next() {
		c, err := scanPgConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, userID, conversationID string) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE id=$1 AND user_id=$2`,
		conversationID, userID,
	)
	return scanPgConversation(row)
}

func scanPgConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx,
		`SELECT id FROM conversations WHERE id=$1 AND user_id=$2 FOR UPDATE`,
		conversationID, userID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock conversation: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id=$1`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, role Role, content string) (Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := lockPgConversation(ctx, tx, conversationID); err != nil {
		return Message{}, err
	}
	m, err := insertPgMessage(ctx, tx, conversationID, role, content, s.now())
	if err != nil {
		return Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("commit tx: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) CompleteTurn(ctx context.Context, conversationID, content string) (Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	updatedAt, err := lockPgConversation(ctx, tx, conversationID)
	if err != nil {
		return Message{}, err
	}
	m, err := insertPgMessage(ctx, tx, conversationID, RoleAssistant, content, s.now())
	if err != nil {
		return Message{}, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE conversations SET updated_at=$2 WHERE id=$1`,
		conversationID, bumpedUpdatedAt(updatedAt, m.CreatedAt),
	)
	if err != nil {
		return Message{}, fmt.Errorf("bump conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("commit tx: %w", err)
	}
	return m, nil
}

// lockPgConversation row-locks the conversation so appends are serialized
// across processes, returning its current updated_at.
func lockPgConversation(ctx context.Context, tx pgx.Tx, conversationID string) (time.Time, error) {
	var updatedAt time.Time
	err := tx.QueryRow(ctx,
		`SELECT updated_at FROM conversations WHERE id=$1 FOR UPDATE`,
		conversationID,
	).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("lock conversation: %w", err)
	}
	return updatedAt.UTC(), nil
}

func insertPgMessage(ctx context.Context, tx pgx.Tx, conversationID string, role Role, content string, now time.Time) (Message, error) {
	var last *time.Time
	err := tx.QueryRow(ctx,
		`SELECT max(created_at) FROM messages WHERE conversation_id=$1`,
		conversationID,
	).Scan(&last)
	if err != nil {
		return Message{}, fmt.Errorf("query last message: %w", err)
	}
	var prev time.Time
	if last != nil {
		prev = *last
	}

	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      nextTimestamp(prev, now),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC, seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectPgMessages(rows, 16)
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return s.ListMessages(ctx, conversationID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id=$1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	items, err := collectPgMessages(rows, limit)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func collectPgMessages(rows pgx.Rows, capacity int) ([]Message, error) {
	defer rows.Close()
	items := make([]Message, 0, capacity)
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
