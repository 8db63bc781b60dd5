package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	users         map[string]User
	usersByEmail  map[string]string
	profiles      map[string]Profile
	conversations map[string]Conversation
	messages      map[string][]Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:           time.Now,
		users:         make(map[string]User),
		usersByEmail:  make(map[string]string),
		profiles:      make(map[string]Profile),
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
	}
}

func (s *InMemoryStore) CreateUser(_ context.Context, email, passwordHash string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByEmail[email]; ok {
		return User{}, ErrConflict
	}
	now := nextTimestamp(time.Time{}, s.now())
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    now,
	}
	s.users[u.ID] = u
	s.usersByEmail[email] = u.ID
	s.profiles[u.ID] = Profile{ID: uuid.NewString(), UserID: u.ID, UpdatedAt: now}
	return u, nil
}

func (s *InMemoryStore) GetUser(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByEmail[email]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *InMemoryStore) SetUserActive(_ context.Context, email string, active bool) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByEmail[email]
	if !ok {
		return User{}, ErrNotFound
	}
	u := s.users[id]
	u.Active = active
	s.users[id] = u
	return u, nil
}

func (s *InMemoryStore) EnsureProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return Profile{}, ErrNotFound
	}
	p, ok := s.profiles[userID]
	if !ok {
		p = Profile{ID: uuid.NewString(), UserID: userID, UpdatedAt: nextTimestamp(time.Time{}, s.now())}
		s.profiles[userID] = p
	}
	return cloneProfile(p), nil
}

func (s *InMemoryStore) UpdateProfile(_ context.Context, userID string, patch ProfilePatch) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return Profile{}, ErrNotFound
	}
	p, ok := s.profiles[userID]
	if !ok {
		p = Profile{ID: uuid.NewString(), UserID: userID}
	}
	p = cloneProfile(p)
	patch.Apply(&p)
	p.UpdatedAt = nextTimestamp(p.UpdatedAt, s.now())
	s.profiles[userID] = p
	return cloneProfile(p), nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, userID string, title *string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return Conversation{}, ErrNotFound
	}
	now := nextTimestamp(time.Time{}, s.now())
	c := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     cloneString(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[c.ID] = c
	return cloneConversation(c), nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, cloneConversation(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, userID, conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok || c.UserID != userID {
		return Conversation{}, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	delete(s.messages, conversationID)
	delete(s.conversations, conversationID)
	return nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, conversationID string, role Role, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return Message{}, ErrNotFound
	}
	return s.appendLocked(conversationID, role, content), nil
}

func (s *InMemoryStore) CompleteTurn(_ context.Context, conversationID, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return Message{}, ErrNotFound
	}
	m := s.appendLocked(conversationID, RoleAssistant, content)
	c.UpdatedAt = bumpedUpdatedAt(c.UpdatedAt, m.CreatedAt)
	s.conversations[conversationID] = c
	return m, nil
}

func (s *InMemoryStore) appendLocked(conversationID string, role Role, content string) Message {
	arr := s.messages[conversationID]
	var prev time.Time
	if len(arr) > 0 {
		prev = arr[len(arr)-1].CreatedAt
	}
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      nextTimestamp(prev, s.now()),
	}
	s.messages[conversationID] = append(arr, m)
	return m
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	out := make([]Message, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Message, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

// bumpedUpdatedAt advances a conversation's updated_at to the reply time.
func bumpedUpdatedAt(prev, replyAt time.Time) time.Time {
	if replyAt.After(prev) {
		return replyAt
	}
	return nextTimestamp(prev, replyAt)
}

func cloneProfile(p Profile) Profile {
	p.DisplayName = cloneString(p.DisplayName)
	p.CompanyName = cloneString(p.CompanyName)
	p.Phone = cloneString(p.Phone)
	p.Preferences = cloneString(p.Preferences)
	p.Notes = cloneString(p.Notes)
	return p
}

func cloneConversation(c Conversation) Conversation {
	c.Title = cloneString(c.Title)
	return c
}
