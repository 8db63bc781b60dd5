package chat

import (
	"context"
	"fmt"

	"github.com/ent0n29/memoria/internal/completion"
	"github.com/ent0n29/memoria/internal/memory"
)

// DefaultHistoryLimit bounds the prior messages sent with each turn.
const DefaultHistoryLimit = 20

// Assembler reads the bounded history window for a conversation.
type Assembler struct {
	store memory.Store
	limit int
}

func NewAssembler(store memory.Store, limit int) *Assembler {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Assembler{store: store, limit: limit}
}

// History returns up to limit of the newest messages, oldest first. A
// non-positive limit means the configured maximum. Older messages are
// dropped silently.
func (a *Assembler) History(ctx context.Context, conversationID string, limit int) ([]completion.Turn, error) {
	if limit <= 0 {
		limit = a.limit
	}
	msgs, err := a.store.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	turns := make([]completion.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, completion.Turn{Role: completion.Role(m.Role), Content: m.Content})
	}
	return turns, nil
}
