// Package store persists conversations, message history, usage audit
// records, memory fragments, and terminal session records. Two SQL
// backends share the interface: SQLite (pure Go driver, the local-first
// default) and Postgres. A memory implementation backs tests.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

// Match is one full-text search hit over message history.
type Match struct {
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	Snippet        string  `json:"snippet"`
	Rank           float64 `json:"rank"`
}

// UsageRecord is one turn's token accounting for a provider call.
type UsageRecord struct {
	SessionID      string
	ConversationID string
	Provider       string
	Model          string
	Turn           int
	Usage          models.TokenUsage
	CreatedAt      time.Time
}

// SessionRecord is the audit row written when a session reaches a
// terminal state. Live sessions are never persisted.
type SessionRecord struct {
	SessionID      string
	ConversationID string
	AgentID        string
	State          models.SessionState
	Reason         string
	StartedAt      time.Time
	EndedAt        time.Time
	TurnCount      int
	BacktrackCount int
	SnapshotID     string
}

// Store is the persistence surface the core depends on.
type Store interface {
	// EnsureConversation creates the conversation row if missing.
	EnsureConversation(ctx context.Context, conversationID, userID string) error

	// AppendMessages appends messages to a conversation in order.
	// Writes within one conversation are serialised by the session.
	AppendMessages(ctx context.Context, conversationID string, messages []*models.Message) error

	// ReadMessages returns up to limit messages ending at cursor
	// (exclusive), oldest first within the page. An empty cursor reads
	// the newest page. The returned cursor addresses the next older
	// page; hasMore reports whether one exists.
	ReadMessages(ctx context.Context, conversationID string, limit int, cursor string) (messages []*models.Message, next string, hasMore bool, err error)

	// SetMetadata stores one conversation metadata key.
	SetMetadata(ctx context.Context, conversationID, key, value string) error

	// GetMetadata returns all metadata for a conversation.
	GetMetadata(ctx context.Context, conversationID string) (map[string]string, error)

	// Search runs a full-text query over a user's message history.
	Search(ctx context.Context, userID, query string) ([]Match, error)

	// AppendUsage writes token audit records, called on turn boundaries.
	AppendUsage(ctx context.Context, records []UsageRecord) error

	// UsageForConversation sums recorded usage.
	UsageForConversation(ctx context.Context, conversationID string) (models.TokenUsage, error)

	// AddFragment persists one memory fragment and indexes it for
	// keyword recall.
	AddFragment(ctx context.Context, f *models.MemoryFragment) error

	// SearchFragments runs keyword recall over a user's fragments,
	// optionally restricted to categories.
	SearchFragments(ctx context.Context, userID, query string, categories []string, limit int) ([]models.MemoryHit, error)

	// RecordSession writes the terminal audit row for a session.
	RecordSession(ctx context.Context, rec *SessionRecord) error

	Close() error
}

// Open builds the configured backend and runs migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return OpenSQLite(ctx, cfg)
	case "postgres":
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
