package playbook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrelhq/petrel/pkg/models"
)

// MemoryStore backs tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.PlaybookEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*models.PlaybookEntry{}}
}

func (m *MemoryStore) Add(_ context.Context, e *models.PlaybookEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = models.PlaybookDraft
	}
	clone := *e
	m.entries[e.ID] = &clone
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.PlaybookEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("playbook %s: %w", id, ErrNotFound)
	}
	clone := *e
	return &clone, nil
}

func (m *MemoryStore) Update(_ context.Context, e *models.PlaybookEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.entries[e.ID]
	if !ok {
		return fmt.Errorf("playbook %s: %w", e.ID, ErrNotFound)
	}
	stored.TaskType = e.TaskType
	stored.Title = e.Title
	stored.Description = e.Description
	stored.Steps = append([]string(nil), e.Steps...)
	stored.Tags = append([]string(nil), e.Tags...)
	stored.Status = e.Status
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) List(_ context.Context, userID string, statuses []models.PlaybookStatus) ([]*models.PlaybookEntry, error) {
	want := map[models.PlaybookStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.PlaybookEntry
	for _, e := range m.entries {
		if e.UserID != userID {
			continue
		}
		if len(want) > 0 && !want[e.Status] {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Candidates(_ context.Context, userID, taskType string) ([]*models.PlaybookEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.PlaybookEntry
	for _, e := range m.entries {
		if e.UserID != userID || e.Status != models.PlaybookApproved {
			continue
		}
		if taskType != "" && e.TaskType != taskType && !containsTag(e.Tags, taskType) {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UseCount != out[j].UseCount {
			return out[i].UseCount > out[j].UseCount
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status models.PlaybookStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("playbook %s: %w", id, ErrNotFound)
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("playbook %s: %w", id, ErrNotFound)
	}
	e.UseCount++
	e.LastUsedAt = usedAt.UTC()
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return fmt.Errorf("playbook %s: %w", id, ErrNotFound)
	}
	delete(m.entries, id)
	return nil
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
