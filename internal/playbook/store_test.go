package playbook

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrelhq/petrel/pkg/models"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	sqlStore, err := NewSQLStore(context.Background(), db, false)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	return map[string]Store{
		"sqlite": sqlStore,
		"memory": NewMemoryStore(),
	}
}

func entry(userID, taskType string, status models.PlaybookStatus) *models.PlaybookEntry {
	return &models.PlaybookEntry{
		UserID:      userID,
		TaskType:    taskType,
		Title:       "ship a release",
		Description: "tag, build, publish",
		Steps:       []string{"tag the commit", "run the build", "publish artifacts"},
		Tags:        []string{taskType, "release"},
		Status:      status,
	}
}

func TestStoreAddGetRoundTrip(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := entry("user-1", "coding", models.PlaybookDraft)
			if err := st.Add(ctx, e); err != nil {
				t.Fatalf("Add: %v", err)
			}
			if e.ID == "" {
				t.Fatal("Add did not assign an id")
			}

			got, err := st.Get(ctx, e.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Description != e.Description || got.Status != models.PlaybookDraft {
				t.Errorf("got %+v", got)
			}
			if len(got.Steps) != 3 || got.Steps[0] != "tag the commit" {
				t.Errorf("steps = %v", got.Steps)
			}
			if !got.LastUsedAt.IsZero() {
				t.Errorf("last_used_at = %v, want zero for a fresh entry", got.LastUsedAt)
			}

			if _, err := st.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreCandidatesFilterByStatusAndTag(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			approved := entry("user-1", "coding", models.PlaybookApproved)
			draft := entry("user-1", "coding", models.PlaybookDraft)
			otherType := entry("user-1", "writing", models.PlaybookApproved)
			otherUser := entry("user-2", "coding", models.PlaybookApproved)
			tagged := entry("user-1", "general", models.PlaybookApproved)
			tagged.Tags = []string{"coding"}
			for _, e := range []*models.PlaybookEntry{approved, draft, otherType, otherUser, tagged} {
				if err := st.Add(ctx, e); err != nil {
					t.Fatalf("Add: %v", err)
				}
			}

			got, err := st.Candidates(ctx, "user-1", "coding")
			if err != nil {
				t.Fatalf("Candidates: %v", err)
			}
			ids := map[string]bool{}
			for _, e := range got {
				ids[e.ID] = true
			}
			if len(got) != 2 || !ids[approved.ID] || !ids[tagged.ID] {
				t.Fatalf("candidates = %v, want approved+tagged only", ids)
			}
		})
	}
}

func TestStoreStatusTransitions(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := entry("user-1", "coding", models.PlaybookDraft)
			if err := st.Add(ctx, e); err != nil {
				t.Fatalf("Add: %v", err)
			}
			if err := st.SetStatus(ctx, e.ID, models.PlaybookApproved); err != nil {
				t.Fatalf("SetStatus: %v", err)
			}
			got, err := st.Get(ctx, e.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != models.PlaybookApproved {
				t.Errorf("status = %s", got.Status)
			}
			if err := st.SetStatus(ctx, "ghost", models.PlaybookRejected); !errors.Is(err, ErrNotFound) {
				t.Errorf("SetStatus missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreTouchBumpsUsage(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := entry("user-1", "coding", models.PlaybookApproved)
			if err := st.Add(ctx, e); err != nil {
				t.Fatalf("Add: %v", err)
			}
			usedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
			if err := st.Touch(ctx, e.ID, usedAt); err != nil {
				t.Fatalf("Touch: %v", err)
			}
			got, err := st.Get(ctx, e.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.UseCount != 1 {
				t.Errorf("use_count = %d, want 1", got.UseCount)
			}
			if !got.LastUsedAt.Equal(usedAt) {
				t.Errorf("last_used_at = %v, want %v", got.LastUsedAt, usedAt)
			}
		})
	}
}

func TestStoreUpdateAndDelete(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := entry("user-1", "coding", models.PlaybookDraft)
			if err := st.Add(ctx, e); err != nil {
				t.Fatalf("Add: %v", err)
			}
			e.Description = "cleaner description"
			if err := st.Update(ctx, e); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, err := st.Get(ctx, e.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Description != "cleaner description" {
				t.Errorf("description = %q", got.Description)
			}

			if err := st.Delete(ctx, e.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := st.Get(ctx, e.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreListFiltersByStatus(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			draft := entry("user-1", "coding", models.PlaybookDraft)
			approved := entry("user-1", "coding", models.PlaybookApproved)
			for _, e := range []*models.PlaybookEntry{draft, approved} {
				if err := st.Add(ctx, e); err != nil {
					t.Fatalf("Add: %v", err)
				}
			}
			got, err := st.List(ctx, "user-1", []models.PlaybookStatus{models.PlaybookDraft})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != 1 || got[0].ID != draft.ID {
				t.Fatalf("list = %+v", got)
			}
			all, err := st.List(ctx, "user-1", nil)
			if err != nil {
				t.Fatalf("List all: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("list all = %d entries, want 2", len(all))
			}
		})
	}
}
