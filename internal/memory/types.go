package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// User is the identity anchor for profiles and conversations.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile holds what the assistant has learned about a user.
type Profile struct {
	ID          string    `json:"id"`
	UserID      string    `json:"-"`
	DisplayName *string   `json:"display_name"`
	CompanyName *string   `json:"company_name"`
	Phone       *string   `json:"phone"`
	Preferences *string   `json:"preferences"`
	Notes       *string   `json:"notes"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PatchField is one field of a sparse update. Set records that the field
// was present in the payload; a present field with a nil Value clears it.
type PatchField struct {
	Set   bool
	Value *string
}

// PatchValue sets a field to v.
func PatchValue(v string) PatchField { return PatchField{Set: true, Value: &v} }

// PatchNull clears a field.
func PatchNull() PatchField { return PatchField{Set: true} }

func (f *PatchField) UnmarshalJSON(b []byte) error {
	f.Set = true
	if string(b) == "null" {
		f.Value = nil
		return nil
	}
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.Value = &v
	return nil
}

func (f PatchField) apply(dst **string) {
	if f.Set {
		*dst = cloneString(f.Value)
	}
}

// ProfilePatch is a sparse profile update. Absent fields are left untouched.
type ProfilePatch struct {
	DisplayName PatchField `json:"display_name"`
	CompanyName PatchField `json:"company_name"`
	Phone       PatchField `json:"phone"`
	Preferences PatchField `json:"preferences"`
	Notes       PatchField `json:"notes"`
}

// Apply merges the supplied fields into dst.
func (p ProfilePatch) Apply(dst *Profile) {
	p.DisplayName.apply(&dst.DisplayName)
	p.CompanyName.apply(&dst.CompanyName)
	p.Phone.apply(&dst.Phone)
	p.Preferences.apply(&dst.Preferences)
	p.Notes.apply(&dst.Notes)
}

// Conversation is a thread of messages owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single immutable turn.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"-"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists users, profiles, conversations and messages.
//
// Conversation reads and deletes take the owner id and treat a conversation
// owned by someone else exactly like a missing one (ErrNotFound).
type Store interface {
	CreateUser(ctx context.Context, email, passwordHash string) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	SetUserActive(ctx context.Context, email string, active bool) (User, error)

	EnsureProfile(ctx context.Context, userID string) (Profile, error)
	UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (Profile, error)

	CreateConversation(ctx context.Context, userID string, title *string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	GetConversation(ctx context.Context, userID, conversationID string) (Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	// AppendMessage stores one message without touching the conversation.
	AppendMessage(ctx context.Context, conversationID string, role Role, content string) (Message, error)
	// CompleteTurn stores the assistant reply and bumps the conversation's
	// updated_at in a single transaction.
	CompleteTurn(ctx context.Context, conversationID, content string) (Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	// RecentMessages returns up to limit newest messages in chronological order.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	Close() error
}

// nextTimestamp returns now at storage precision, nudged past prev when the
// clock has not moved forward.
func nextTimestamp(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func nonEmpty(v *string) bool {
	return v != nil && strings.TrimSpace(*v) != ""
}

// HasContext reports whether any learned field carries a value.
func (p *Profile) HasContext() bool {
	if p == nil {
		return false
	}
	return nonEmpty(p.DisplayName) || nonEmpty(p.CompanyName) || nonEmpty(p.Phone) ||
		nonEmpty(p.Preferences) || nonEmpty(p.Notes)
}
