package models

import "time"

// PlaybookStatus is the review state of an extracted strategy.
type PlaybookStatus string

const (
	PlaybookDraft    PlaybookStatus = "draft"
	PlaybookApproved PlaybookStatus = "approved"
	PlaybookRejected PlaybookStatus = "rejected"
)

// PlaybookEntry is a stored strategy extracted from a successful session,
// injected later as a non-mandatory hint when a similar task recurs.
type PlaybookEntry struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	TaskType    string         `json:"task_type"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	Steps       []string       `json:"steps,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Status      PlaybookStatus `json:"status"`

	// SourceSessionID is the session the entry was extracted from.
	SourceSessionID string `json:"source_session_id,omitempty"`

	UseCount   int       `json:"use_count"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stale reports whether the entry has gone unused longer than maxIdle.
func (e *PlaybookEntry) Stale(now time.Time, maxIdle time.Duration) bool {
	last := e.LastUsedAt
	if last.IsZero() {
		last = e.CreatedAt
	}
	return now.Sub(last) > maxIdle
}

// MemoryFragment is one retrievable unit of user memory.
type MemoryFragment struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Content   string         `json:"content"`
	Category  string         `json:"category,omitempty"`
	Source    string         `json:"source,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemoryHit is a scored retrieval result from one memory source.
type MemoryHit struct {
	Fragment MemoryFragment `json:"fragment"`

	// Score is the source-weighted relevance in [0,1].
	Score float64 `json:"score"`

	// Origin names the producing source: "file", "keyword" or "vector".
	Origin string `json:"origin"`
}
