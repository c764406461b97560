package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/internal/store"
	"github.com/petrelhq/petrel/pkg/models"
)

// usageTap is an event sink that turns message_stop usage into per-turn
// audit records, flushed to the store at turn boundaries so a crashed
// session loses at most the open turn.
type usageTap struct {
	store          store.Store
	logger         *slog.Logger
	sessionID      string
	conversationID string
	provider       string
	model          string

	mu      sync.Mutex
	turn    int
	pending []store.UsageRecord
}

func newUsageTap(st store.Store, sessionID, conversationID, provider, model string, logger *slog.Logger) *usageTap {
	if logger == nil {
		logger = slog.Default()
	}
	return &usageTap{
		store:          st,
		logger:         logger,
		sessionID:      sessionID,
		conversationID: conversationID,
		provider:       provider,
		model:          model,
	}
}

func (t *usageTap) Emit(ctx context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.EventMessageStop:
		if e.Stop == nil || e.Stop.Usage == nil {
			return
		}
		t.mu.Lock()
		t.pending = append(t.pending, store.UsageRecord{
			SessionID:      t.sessionID,
			ConversationID: t.conversationID,
			Provider:       t.provider,
			Model:          t.model,
			Turn:           t.turn + 1,
			Usage:          *e.Stop.Usage,
			CreatedAt:      e.Time,
		})
		t.mu.Unlock()
		observability.EmitModelUsage(&observability.ModelUsageEvent{
			SessionID:      t.sessionID,
			ConversationID: t.conversationID,
			Provider:       t.provider,
			Model:          t.model,
			Usage: observability.UsageDetails{
				Input:      int64(e.Stop.Usage.InputTokens),
				Output:     int64(e.Stop.Usage.OutputTokens),
				CacheRead:  int64(e.Stop.Usage.CacheReadTokens),
				CacheWrite: int64(e.Stop.Usage.CacheWriteTokens),
				Total:      int64(e.Stop.Usage.Total()),
			},
		})
	case models.EventTurnFinished:
		t.mu.Lock()
		t.turn++
		t.mu.Unlock()
		t.Flush(ctx)
	}
}

// Turns reports completed turns observed so far.
func (t *usageTap) Turns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turn
}

// Flush writes buffered records. Failures are logged, never fatal.
func (t *usageTap) Flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()
	if len(batch) == 0 || t.store == nil {
		return
	}
	if err := t.store.AppendUsage(ctx, batch); err != nil {
		t.logger.Warn("usage flush failed",
			"session_id", t.sessionID, "records", len(batch), "error", err)
	}
}
