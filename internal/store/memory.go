package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrelhq/petrel/pkg/models"
)

// MemoryStore is the in-process Store used by tests and ephemeral runs.
// Search degrades to case-insensitive substring matching.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]string // conversation id -> user id
	messages  map[string][]*models.Message
	meta      map[string]map[string]string
	usage     []UsageRecord
	fragments []*models.MemoryFragment
	sessions  map[string]*SessionRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[string]string{},
		messages: map[string][]*models.Message{},
		meta:     map[string]map[string]string{},
		sessions: map[string]*SessionRecord{},
	}
}

func (m *MemoryStore) EnsureConversation(_ context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[conversationID]; !ok {
		m.users[conversationID] = userID
	}
	return nil
}

func (m *MemoryStore) AppendMessages(_ context.Context, conversationID string, messages []*models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[conversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		m.messages[conversationID] = append(m.messages[conversationID], msg.Clone())
	}
	return nil
}

func (m *MemoryStore) ReadMessages(_ context.Context, conversationID string, limit int, cursor string) ([]*models.Message, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[conversationID]
	end := len(all)
	if cursor != "" {
		v, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", false, fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		if v < end {
			end = v
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := make([]*models.Message, 0, end-start)
	for _, msg := range all[start:end] {
		page = append(page, msg.Clone())
	}
	next := ""
	if len(page) > 0 {
		next = strconv.Itoa(start)
	}
	return page, next, start > 0, nil
}

func (m *MemoryStore) SetMetadata(_ context.Context, conversationID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meta[conversationID] == nil {
		m.meta[conversationID] = map[string]string{}
	}
	m.meta[conversationID][key] = value
	return nil
}

func (m *MemoryStore) GetMetadata(_ context.Context, conversationID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]string{}
	for k, v := range m.meta[conversationID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Search(_ context.Context, userID, query string) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(query)
	var matches []Match
	for convID, msgs := range m.messages {
		if m.users[convID] != userID {
			continue
		}
		for _, msg := range msgs {
			text := msg.Text()
			if text == "" || !strings.Contains(strings.ToLower(text), needle) {
				continue
			}
			matches = append(matches, Match{
				ConversationID: convID,
				MessageID:      msg.ID,
				Snippet:        snippetAround(text, needle),
				Rank:           1,
			})
		}
	}
	return matches, nil
}

func snippetAround(text, needle string) string {
	idx := strings.Index(strings.ToLower(text), needle)
	if idx < 0 {
		idx = 0
	}
	start := idx - 40
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + 40
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}

func (m *MemoryStore) AppendUsage(_ context.Context, records []UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, records...)
	return nil
}

func (m *MemoryStore) UsageForConversation(_ context.Context, conversationID string) (models.TokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var u models.TokenUsage
	for _, rec := range m.usage {
		if rec.ConversationID == conversationID {
			u.Add(rec.Usage)
		}
	}
	return u, nil
}

func (m *MemoryStore) AddFragment(_ context.Context, f *models.MemoryFragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	clone := *f
	m.fragments = append(m.fragments, &clone)
	return nil
}

func (m *MemoryStore) SearchFragments(_ context.Context, userID, query string, categories []string, limit int) ([]models.MemoryHit, error) {
	if limit <= 0 {
		limit = 5
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	wantCategory := map[string]bool{}
	for _, c := range categories {
		wantCategory[c] = true
	}
	needle := strings.ToLower(query)
	var hits []models.MemoryHit
	for _, f := range m.fragments {
		if f.UserID != userID {
			continue
		}
		if len(wantCategory) > 0 && !wantCategory[f.Category] {
			continue
		}
		if !strings.Contains(strings.ToLower(f.Content), needle) {
			continue
		}
		hits = append(hits, models.MemoryHit{Fragment: *f, Score: 0.5, Origin: "keyword"})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func (m *MemoryStore) RecordSession(_ context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rec
	m.sessions[rec.SessionID] = &clone
	return nil
}

// SessionRecords returns recorded terminal sessions, for tests.
func (m *MemoryStore) SessionRecords() []*SessionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		clone := *rec
		out = append(out, &clone)
	}
	return out
}

func (m *MemoryStore) Close() error { return nil }
