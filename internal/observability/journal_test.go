package observability

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestJournalEvictsOldestWhenFull(t *testing.T) {
	j := NewJournal(4)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		j.Record(ctx, JournalEvent{
			SessionID: "s-1",
			Kind:      JournalTurn,
			Name:      fmt.Sprintf("turn-%d", i),
		})
	}

	if j.Len() != 4 {
		t.Fatalf("Len = %d, want 4", j.Len())
	}
	events := j.BySession("s-1")
	if len(events) != 4 {
		t.Fatalf("retained %d events, want 4", len(events))
	}
	if events[0].Name != "turn-2" || events[3].Name != "turn-5" {
		t.Errorf("retained window = %q..%q, want turn-2..turn-5", events[0].Name, events[3].Name)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("seq not increasing: %d then %d", events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestJournalBySessionFilters(t *testing.T) {
	j := NewJournal(16)
	ctx := context.Background()
	j.Record(ctx, JournalEvent{SessionID: "s-a", Kind: JournalRunStart})
	j.Record(ctx, JournalEvent{SessionID: "s-b", Kind: JournalRunStart})
	j.Record(ctx, JournalEvent{SessionID: "s-a", Kind: JournalRunEnd})

	if got := j.BySession("s-a"); len(got) != 2 {
		t.Errorf("s-a events = %d, want 2", len(got))
	}
	if got := j.BySession("s-b"); len(got) != 1 {
		t.Errorf("s-b events = %d, want 1", len(got))
	}
	if got := j.BySession("s-missing"); got != nil {
		t.Errorf("unknown session returned %v", got)
	}
}

func TestJournalRecent(t *testing.T) {
	j := NewJournal(16)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		j.Record(ctx, JournalEvent{Kind: JournalTurn, Name: fmt.Sprintf("turn-%d", i)})
	}
	recent := j.Recent(2)
	if len(recent) != 2 || recent[0].Name != "turn-3" || recent[1].Name != "turn-4" {
		t.Fatalf("Recent(2) = %+v", recent)
	}
}

func TestNilJournalIsInert(t *testing.T) {
	var j *Journal
	j.Record(context.Background(), JournalEvent{Kind: JournalRunStart})
	if got := j.BySession("any"); got != nil {
		t.Errorf("BySession on nil journal = %v", got)
	}
	if got := j.Recent(5); got != nil {
		t.Errorf("Recent on nil journal = %v", got)
	}
	if j.Len() != 0 {
		t.Errorf("Len on nil journal = %d", j.Len())
	}
}

func TestJournalStampsTimeAndSeq(t *testing.T) {
	j := NewJournal(8)
	j.Record(context.Background(), JournalEvent{SessionID: "s-1", Kind: JournalRunStart})
	events := j.BySession("s-1")
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Seq != 1 {
		t.Errorf("Seq = %d, want 1", events[0].Seq)
	}
	if events[0].Time.IsZero() {
		t.Error("Time not stamped")
	}
}

func TestFormatTimeline(t *testing.T) {
	base := time.Date(2026, 8, 26, 9, 30, 0, 0, time.UTC)
	events := []JournalEvent{
		{Seq: 1, Time: base, SessionID: "s-9", Kind: JournalRunStart, Name: "default"},
		{Seq: 2, Time: base.Add(20 * time.Millisecond), SessionID: "s-9", Kind: JournalToolStart, Name: "read_file"},
		{Seq: 3, Time: base.Add(90 * time.Millisecond), SessionID: "s-9", Kind: JournalToolEnd, Name: "read_file", Err: "timeout"},
		{Seq: 4, Time: base.Add(120 * time.Millisecond), SessionID: "s-9", Kind: JournalRunEnd, Name: "completed"},
	}
	out := FormatTimeline(events)
	for _, want := range []string{"session s-9", "4 events over 120ms", "1 tool calls", "1 errors", "read_file", "(error: timeout)", "run_end completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("timeline missing %q:\n%s", want, out)
		}
	}

	if got := FormatTimeline(nil); got != "no journaled events" {
		t.Errorf("empty timeline = %q", got)
	}
}
