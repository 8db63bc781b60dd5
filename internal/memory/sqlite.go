package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore persists records in a single SQLite file. Timestamps are stored
// as unix microseconds so that ordering by column is chronological.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(ctx context.Context, databaseURL string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqlitePath(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite is single-writer; one shared connection serializes callers
	// through database/sql instead of SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// sqlitePath accepts sqlite:///abs/path, sqlite://rel/path, file: URIs and :memory:.
func sqlitePath(databaseURL string) string {
	u := strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(u, "sqlite:///"):
		return "/" + strings.TrimPrefix(u, "sqlite:///")
	case strings.HasPrefix(u, "sqlite://"):
		return strings.TrimPrefix(u, "sqlite://")
	case strings.HasPrefix(u, "sqlite:"):
		return strings.TrimPrefix(u, "sqlite:")
	default:
		return u
	}
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_profiles (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE REFERENCES users(id),
			display_name TEXT NULL,
			company_name TEXT NULL,
			phone TEXT NULL,
			preferences TEXT NULL,
			notes TEXT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			title TEXT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func (s *SQLiteStore) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nextTimestamp(time.Time{}, s.now())
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, is_active, created_at) VALUES (?, ?, ?, 1, ?)`,
		u.ID, u.Email, u.PasswordHash, toMicros(u.CreatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_profiles (id, user_id, updated_at) VALUES (?, ?, ?)`,
		uuid.NewString(), u.ID, toMicros(now),
	)
	if err != nil {
		return User{}, fmt.Errorf("insert profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit tx: %w", err)
	}
	return u, nil
}

const sqliteUserSelect = `SELECT id, email, password_hash, is_active, created_at FROM users`

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, sqliteUserSelect+` WHERE id=?`, userID))
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, sqliteUserSelect+` WHERE email=?`, email))
}

func (s *SQLiteStore) SetUserActive(ctx context.Context, email string, active bool) (User, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active=? WHERE email=?`, active, email)
	if err != nil {
		return User{}, fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, ErrNotFound
	}
	return s.GetUserByEmail(ctx, email)
}

func scanSQLiteUser(row *sql.Row) (User, error) {
	var (
		u       User
		created int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = fromMicros(created)
	return u, nil
}

const sqliteProfileSelect = `SELECT id, user_id, display_name, company_name, phone, preferences, notes, updated_at FROM user_profiles`

func (s *SQLiteStore) EnsureProfile(ctx context.Context, userID string) (Profile, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (id, user_id, updated_at)
		 SELECT ?, id, ? FROM users WHERE id=?
		 ON CONFLICT (user_id) DO NOTHING`,
		uuid.NewString(), toMicros(nextTimestamp(time.Time{}, s.now())), userID,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	return scanSQLiteProfile(s.db.QueryRowContext(ctx, sqliteProfileSelect+` WHERE user_id=?`, userID))
}

func (s *SQLiteStore) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (Profile, error) {
	if _, err := s.EnsureProfile(ctx, userID); err != nil {
		return Profile{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanSQLiteProfile(tx.QueryRowContext(ctx, sqliteProfileSelect+` WHERE user_id=?`, userID))
	if err != nil {
		return Profile{}, err
	}
	patch.Apply(&p)
	p.UpdatedAt = nextTimestamp(p.UpdatedAt, s.now())

	_, err = tx.ExecContext(ctx,
		`UPDATE user_profiles SET display_name=?, company_name=?, phone=?, preferences=?, notes=?, updated_at=?
		 WHERE user_id=?`,
		p.DisplayName, p.CompanyName, p.Phone, p.Preferences, p.Notes, toMicros(p.UpdatedAt), userID,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Profile{}, fmt.Errorf("commit tx: %w", err)
	}
	return p, nil
}

func scanSQLiteProfile(row *sql.Row) (Profile, error) {
	var (
		p       Profile
		updated int64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.DisplayName, &p.CompanyName, &p.Phone, &p.Preferences, &p.Notes, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	p.UpdatedAt = fromMicros(updated)
	return p, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID string, title *string) (Conversation, error) {
	now := nextTimestamp(time.Time{}, s.now())
	c := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     cloneString(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, toMicros(c.CreatedAt), toMicros(c.UpdatedAt),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

const sqliteConversationSelect = `SELECT id, user_id, title, created_at, updated_at FROM conversations`

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		sqliteConversationSelect+` WHERE user_id=? ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, 8)
	for rows.Next() {
		var (
			c                Conversation
			created, updated int64
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.CreatedAt = fromMicros(created)
		c.UpdatedAt = fromMicros(updated)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, userID, conversationID string) (Conversation, error) {
	var (
		c                Conversation
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		sqliteConversationSelect+` WHERE id=? AND user_id=?`,
		conversationID, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt = fromMicros(created)
	c.UpdatedAt = fromMicros(updated)
	return c, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE id=? AND user_id=?)`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id=? AND user_id=?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, role Role, content string) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := sqliteConversationUpdatedAt(ctx, tx, conversationID); err != nil {
		return Message{}, err
	}
	m, err := insertSQLiteMessage(ctx, tx, conversationID, role, content, s.now())
	if err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit tx: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) CompleteTurn(ctx context.Context, conversationID, content string) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updatedAt, err := sqliteConversationUpdatedAt(ctx, tx, conversationID)
	if err != nil {
		return Message{}, err
	}
	m, err := insertSQLiteMessage(ctx, tx, conversationID, RoleAssistant, content, s.now())
	if err != nil {
		return Message{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at=? WHERE id=?`,
		toMicros(bumpedUpdatedAt(updatedAt, m.CreatedAt)), conversationID,
	)
	if err != nil {
		return Message{}, fmt.Errorf("bump conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit tx: %w", err)
	}
	return m, nil
}

func sqliteConversationUpdatedAt(ctx context.Context, tx *sql.Tx, conversationID string) (time.Time, error) {
	var updated int64
	err := tx.QueryRowContext(ctx, `SELECT updated_at FROM conversations WHERE id=?`, conversationID).Scan(&updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("load conversation: %w", err)
	}
	return fromMicros(updated), nil
}

func insertSQLiteMessage(ctx context.Context, tx *sql.Tx, conversationID string, role Role, content string, now time.Time) (Message, error) {
	var last sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT max(created_at) FROM messages WHERE conversation_id=?`,
		conversationID,
	).Scan(&last)
	if err != nil {
		return Message{}, fmt.Errorf("query last message: %w", err)
	}
	var prev time.Time
	if last.Valid {
		prev = fromMicros(last.Int64)
	}

	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      nextTimestamp(prev, now),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, toMicros(m.CreatedAt),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

const sqliteMessageSelect = `SELECT id, conversation_id, role, content, created_at FROM messages`

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		sqliteMessageSelect+` WHERE conversation_id=? ORDER BY created_at ASC, seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectSQLiteMessages(rows, 16)
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return s.ListMessages(ctx, conversationID)
	}
	rows, err := s.db.QueryContext(ctx,
		sqliteMessageSelect+` WHERE conversation_id=? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	items, err := collectSQLiteMessages(rows, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func collectSQLiteMessages(rows *sql.Rows, capacity int) ([]Message, error) {
	defer rows.Close()
	items := make([]Message, 0, capacity)
	for rows.Next() {
		var (
			m       Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = fromMicros(created)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
