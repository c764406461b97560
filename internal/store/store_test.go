package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestAppendAndReadMessages(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.EnsureConversation(ctx, "conv-1", "user-1"); err != nil {
				t.Fatalf("EnsureConversation: %v", err)
			}

			var batch []*models.Message
			for i := 0; i < 5; i++ {
				batch = append(batch, models.NewUserMessage("conv-1", "message number "+string(rune('a'+i))))
			}
			if err := s.AppendMessages(ctx, "conv-1", batch); err != nil {
				t.Fatalf("AppendMessages: %v", err)
			}

			msgs, _, hasMore, err := s.ReadMessages(ctx, "conv-1", 10, "")
			if err != nil {
				t.Fatalf("ReadMessages: %v", err)
			}
			if len(msgs) != 5 {
				t.Fatalf("got %d messages, want 5", len(msgs))
			}
			if hasMore {
				t.Fatal("hasMore = true with everything in one page")
			}
			if msgs[0].Text() != "message number a" || msgs[4].Text() != "message number e" {
				t.Fatalf("messages out of order: first %q last %q", msgs[0].Text(), msgs[4].Text())
			}
		})
	}
}

func TestReadMessagesPaging(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.EnsureConversation(ctx, "conv-p", "user-1"); err != nil {
				t.Fatalf("EnsureConversation: %v", err)
			}
			for i := 0; i < 7; i++ {
				msg := models.NewUserMessage("conv-p", "turn")
				if err := s.AppendMessages(ctx, "conv-p", []*models.Message{msg}); err != nil {
					t.Fatalf("AppendMessages: %v", err)
				}
			}

			page1, cursor, hasMore, err := s.ReadMessages(ctx, "conv-p", 3, "")
			if err != nil {
				t.Fatalf("first page: %v", err)
			}
			if len(page1) != 3 || !hasMore {
				t.Fatalf("first page: %d messages, hasMore=%v", len(page1), hasMore)
			}

			page2, cursor2, hasMore, err := s.ReadMessages(ctx, "conv-p", 3, cursor)
			if err != nil {
				t.Fatalf("second page: %v", err)
			}
			if len(page2) != 3 || !hasMore {
				t.Fatalf("second page: %d messages, hasMore=%v", len(page2), hasMore)
			}

			page3, _, hasMore, err := s.ReadMessages(ctx, "conv-p", 3, cursor2)
			if err != nil {
				t.Fatalf("third page: %v", err)
			}
			if len(page3) != 1 || hasMore {
				t.Fatalf("third page: %d messages, hasMore=%v", len(page3), hasMore)
			}
		})
	}
}

func TestAppendToMissingConversation(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.AppendMessages(context.Background(), "ghost",
				[]*models.Message{models.NewUserMessage("ghost", "hi")})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMetadata(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.EnsureConversation(ctx, "conv-m", "user-1"); err != nil {
				t.Fatalf("EnsureConversation: %v", err)
			}
			if err := s.SetMetadata(ctx, "conv-m", "title", "First draft"); err != nil {
				t.Fatalf("SetMetadata: %v", err)
			}
			if err := s.SetMetadata(ctx, "conv-m", "title", "Final title"); err != nil {
				t.Fatalf("SetMetadata update: %v", err)
			}
			meta, err := s.GetMetadata(ctx, "conv-m")
			if err != nil {
				t.Fatalf("GetMetadata: %v", err)
			}
			if meta["title"] != "Final title" {
				t.Fatalf("title = %q, want %q", meta["title"], "Final title")
			}
		})
	}
}

func TestSearchMessages(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.EnsureConversation(ctx, "conv-s", "user-1"); err != nil {
				t.Fatalf("EnsureConversation: %v", err)
			}
			if err := s.EnsureConversation(ctx, "conv-other", "user-2"); err != nil {
				t.Fatalf("EnsureConversation: %v", err)
			}
			if err := s.AppendMessages(ctx, "conv-s", []*models.Message{
				models.NewUserMessage("conv-s", "how do I configure kubernetes ingress"),
			}); err != nil {
				t.Fatalf("AppendMessages: %v", err)
			}
			if err := s.AppendMessages(ctx, "conv-other", []*models.Message{
				models.NewUserMessage("conv-other", "kubernetes for another user"),
			}); err != nil {
				t.Fatalf("AppendMessages: %v", err)
			}

			matches, err := s.Search(ctx, "user-1", "kubernetes")
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(matches) != 1 {
				t.Fatalf("got %d matches, want 1 (user scoping)", len(matches))
			}
			if matches[0].ConversationID != "conv-s" {
				t.Fatalf("match conversation = %q", matches[0].ConversationID)
			}
		})
	}
}

func TestUsageAccounting(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			records := []UsageRecord{
				{SessionID: "s1", ConversationID: "conv-u", Provider: "anthropic", Model: "m", Turn: 0,
					Usage: models.TokenUsage{InputTokens: 100, OutputTokens: 20}},
				{SessionID: "s1", ConversationID: "conv-u", Provider: "anthropic", Model: "m", Turn: 1,
					Usage: models.TokenUsage{InputTokens: 150, OutputTokens: 30, CacheReadTokens: 80}},
			}
			if err := s.AppendUsage(ctx, records); err != nil {
				t.Fatalf("AppendUsage: %v", err)
			}
			total, err := s.UsageForConversation(ctx, "conv-u")
			if err != nil {
				t.Fatalf("UsageForConversation: %v", err)
			}
			if total.InputTokens != 250 || total.OutputTokens != 50 || total.CacheReadTokens != 80 {
				t.Fatalf("total = %+v", total)
			}
		})
	}
}

func TestFragmentSearch(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			frags := []*models.MemoryFragment{
				{UserID: "user-1", Content: "prefers concise answers with code samples", Category: "style"},
				{UserID: "user-1", Content: "works on a kubernetes platform team", Category: "context"},
				{UserID: "user-2", Content: "prefers verbose answers", Category: "style"},
			}
			for _, f := range frags {
				if err := s.AddFragment(ctx, f); err != nil {
					t.Fatalf("AddFragment: %v", err)
				}
			}

			hits, err := s.SearchFragments(ctx, "user-1", "answers", []string{"style"}, 5)
			if err != nil {
				t.Fatalf("SearchFragments: %v", err)
			}
			if len(hits) != 1 {
				t.Fatalf("got %d hits, want 1", len(hits))
			}
			if hits[0].Fragment.Category != "style" || hits[0].Origin != "keyword" {
				t.Fatalf("hit = %+v", hits[0])
			}
			if hits[0].Score <= 0 || hits[0].Score > 1 {
				t.Fatalf("score %v outside (0,1]", hits[0].Score)
			}
		})
	}
}

func TestRecordSessionUpsert(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &SessionRecord{
				SessionID:      "sess-1",
				ConversationID: "conv-r",
				State:          models.SessionStopped,
				StartedAt:      time.Now().Add(-time.Minute).UTC(),
				EndedAt:        time.Now().UTC(),
				TurnCount:      3,
			}
			if err := s.RecordSession(ctx, rec); err != nil {
				t.Fatalf("RecordSession: %v", err)
			}
			rec.State = models.SessionCompleted
			rec.TurnCount = 4
			if err := s.RecordSession(ctx, rec); err != nil {
				t.Fatalf("RecordSession upsert: %v", err)
			}
		})
	}
}
