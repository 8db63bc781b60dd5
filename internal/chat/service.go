// Package chat runs the conversation pipeline: owner check, history
// assembly, the completion call and persistence of both halves of a turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/memoria/internal/completion"
	"github.com/ent0n29/memoria/internal/convlock"
	"github.com/ent0n29/memoria/internal/memory"
	"github.com/ent0n29/memoria/internal/observability"
	"github.com/ent0n29/memoria/internal/policy"
	"github.com/ent0n29/memoria/internal/reliability"
)

var (
	// ErrNotFound covers both missing conversations and ones owned by someone else.
	ErrNotFound     = fmt.Errorf("conversation not found: %w", memory.ErrNotFound)
	ErrInvalidInput = errors.New("invalid input")
)

const (
	DefaultConversationTitle = "New Conversation"
	DemoMarker               = "[Demo mode - completion service not configured]"

	quickTitleRunes = 50
	titleEllipsis   = "..."
	logPreviewRunes = 80
)

// Config tunes the pipeline.
type Config struct {
	SystemPrompt      string
	HistoryLimit      int
	CompletionTimeout time.Duration
}

// Dependencies are the collaborators a Service needs. Locker, Metrics and
// Logger are optional.
type Dependencies struct {
	Store    memory.Store
	Provider completion.Provider
	Locker   convlock.Locker
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Exchange is the result of one completed turn.
type Exchange struct {
	ConversationID   string         `json:"conversation_id"`
	UserMessage      memory.Message `json:"user_message"`
	AssistantMessage memory.Message `json:"assistant_message"`
}

// ConversationDetail is a conversation with its full transcript.
type ConversationDetail struct {
	memory.Conversation
	Messages []memory.Message `json:"messages"`
}

type Service struct {
	store     memory.Store
	provider  completion.Provider
	locker    convlock.Locker
	metrics   *observability.Metrics
	logger    *zap.Logger
	assembler *Assembler

	basePrompt string
	timeout    time.Duration

	profiles singleflight.Group
}

func NewService(deps Dependencies, cfg Config) *Service {
	locker := deps.Locker
	if locker == nil {
		locker = convlock.NewLocal()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := deps.Provider
	if provider == nil {
		provider = completion.Unconfigured{}
	}
	base := cfg.SystemPrompt
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	timeout := cfg.CompletionTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		store:      deps.Store,
		provider:   provider,
		locker:     locker,
		metrics:    deps.Metrics,
		logger:     logger.Named("chat"),
		assembler:  NewAssembler(deps.Store, cfg.HistoryLimit),
		basePrompt: base,
		timeout:    timeout,
	}
}

// Assembler exposes the history reader used by the pipeline.
func (s *Service) Assembler() *Assembler { return s.assembler }

func (s *Service) ProviderName() string { return s.provider.Name() }

func (s *Service) LockBackend() string { return s.locker.Backend() }

func (s *Service) CreateConversation(ctx context.Context, userID string, title *string) (memory.Conversation, error) {
	t := DefaultConversationTitle
	if title != nil && strings.TrimSpace(*title) != "" {
		t = *title
	}
	c, err := s.store.CreateConversation(ctx, userID, &t)
	if err != nil {
		return memory.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.metrics.ObserveConversationEvent("created")
	return c, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string) ([]memory.Conversation, error) {
	out, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (ConversationDetail, error) {
	c, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return ConversationDetail{}, err
	}
	msgs, err := s.store.ListMessages(ctx, c.ID)
	if err != nil {
		return ConversationDetail{}, fmt.Errorf("list messages: %w", err)
	}
	return ConversationDetail{Conversation: c, Messages: msgs}, nil
}

// DeleteConversation removes the conversation and every message in it. It
// waits for an in-flight turn on the same conversation to finish first.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	// Non-owners never queue behind the owner's lock.
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	if err := s.store.DeleteConversation(ctx, userID, conversationID); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.metrics.ObserveConversationEvent("deleted")
	return nil
}

// QuickMessage sends content to conversationID, or to a new conversation
// titled after the message when conversationID is empty.
func (s *Service) QuickMessage(ctx context.Context, userID, conversationID, content string) (Exchange, error) {
	if err := validateContent(content); err != nil {
		return Exchange{}, err
	}
	if conversationID == "" {
		title := QuickTitle(content)
		c, err := s.store.CreateConversation(ctx, userID, &title)
		if err != nil {
			return Exchange{}, fmt.Errorf("create conversation: %w", err)
		}
		s.metrics.ObserveConversationEvent("created_quick")
		conversationID = c.ID
	}
	return s.SendMessage(ctx, userID, conversationID, content)
}

// QuickTitle is the first 50 characters of content, with "..." when cut.
func QuickTitle(content string) string {
	if utf8.RuneCountInString(content) <= quickTitleRunes {
		return content
	}
	return string([]rune(content)[:quickTitleRunes]) + titleEllipsis
}

// SendMessage runs one turn. Once the conversation is validated the turn
// always completes: completion failures become the assistant's reply.
func (s *Service) SendMessage(ctx context.Context, userID, conversationID, content string) (Exchange, error) {
	if err := validateContent(content); err != nil {
		return Exchange{}, err
	}

	turnStart := time.Now()
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return Exchange{}, err
	}
	lockStart := time.Now()
	unlock, err := s.locker.Lock(ctx, conversationID)
	if err != nil {
		return Exchange{}, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()
	s.metrics.ObserveTurnStage(observability.StageLockWait, time.Since(lockStart))

	// The conversation may have been deleted while this turn waited.
	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return Exchange{}, err
	}
	// Past validation the turn runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	stageStart := time.Now()
	profile, err := s.Profile(ctx, userID)
	if err != nil {
		return Exchange{}, err
	}
	history, err := s.assembler.History(ctx, conv.ID, 0)
	if err != nil {
		return Exchange{}, err
	}
	req := completion.Request{
		System:  BuildSystemPrompt(s.basePrompt, &profile),
		History: history,
		Message: content,
	}
	s.metrics.ObserveTurnStage(observability.StageAssembleContext, time.Since(stageStart))

	stageStart = time.Now()
	userMsg, err := s.store.AppendMessage(ctx, conv.ID, memory.RoleUser, content)
	if err != nil {
		return Exchange{}, fmt.Errorf("persist user message: %w", err)
	}
	s.metrics.ObserveTurnStage(observability.StagePersistUser, time.Since(stageStart))

	reply, outcome := s.complete(ctx, conv.ID, req)

	stageStart = time.Now()
	assistantMsg, err := s.store.CompleteTurn(ctx, conv.ID, reply)
	if err != nil {
		return Exchange{}, fmt.Errorf("persist assistant message: %w", err)
	}
	s.metrics.ObserveTurnStage(observability.StagePersistAssistant, time.Since(stageStart))
	s.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(turnStart))
	s.metrics.ObserveTurn(outcome)

	s.logger.Debug("turn completed",
		zap.String("conversation_id", conv.ID),
		zap.String("outcome", outcome),
		zap.Int("history", len(history)),
		zap.String("message_preview", policy.LogPreview(content, logPreviewRunes)),
		zap.Duration("elapsed", time.Since(turnStart)),
	)

	return Exchange{
		ConversationID:   conv.ID,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
	}, nil
}

// complete calls the provider under the completion timeout and always
// returns reply text.
func (s *Service) complete(ctx context.Context, conversationID string, req completion.Request) (string, string) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	reply, err := s.provider.Complete(callCtx, req)
	elapsed := time.Since(start)
	s.metrics.ObserveTurnStage(observability.StageCompletion, elapsed)

	switch {
	case err == nil && strings.TrimSpace(reply) != "":
		s.metrics.ObserveCompletionLatency(elapsed)
		return reply, observability.OutcomeOK
	case err == nil:
		err = errors.New("empty reply")
	case errors.Is(err, completion.ErrNotConfigured):
		return demoReply(req.Message), observability.OutcomeDemo
	}

	code := reliability.Classify(err, completion.ErrNotConfigured)
	s.metrics.ObserveProviderError(s.provider.Name(), code)
	s.logger.Warn("completion failed",
		zap.String("conversation_id", conversationID),
		zap.String("provider", s.provider.Name()),
		zap.String("code", code),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)
	return errorReply(err), observability.OutcomeError
}

func demoReply(message string) string {
	return fmt.Sprintf("%s I received your message: '%s'. To enable real responses, configure a completion provider such as ANTHROPIC_API_KEY.", DemoMarker, message)
}

// errorReply is stored as message text, so upstream error detail is forced
// to valid UTF-8.
func errorReply(err error) string {
	return fmt.Sprintf("I apologize, but I encountered an error: %s. Please try again.", strings.ToValidUTF8(err.Error(), ""))
}

func (s *Service) ownedConversation(ctx context.Context, userID, conversationID string) (memory.Conversation, error) {
	c, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return memory.Conversation{}, ErrNotFound
		}
		return memory.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return c, nil
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message content must not be empty", ErrInvalidInput)
	}
	return nil
}
