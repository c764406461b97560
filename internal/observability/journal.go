package observability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Journal event kinds. One vocabulary shared by the session manager's
// flight recorder and the trace surfaces that read it.
const (
	JournalRunStart  = "run_start"
	JournalRunEnd    = "run_end"
	JournalTurn      = "turn"
	JournalToolStart = "tool_start"
	JournalToolEnd   = "tool_end"
	JournalLLMStop   = "llm_stop"
	JournalHITL      = "hitl"
	JournalRollback  = "rollback"
	JournalPlaybook  = "playbook_suggestion"
	JournalError     = "error"
)

// JournalEvent is one entry in the debug journal.
type JournalEvent struct {
	Seq            int64          `json:"seq"`
	Time           time.Time      `json:"time"`
	SessionID      string         `json:"session_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Kind           string         `json:"kind"`
	Name           string         `json:"name,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	Err            string         `json:"error,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
}

// Journal is a fixed-capacity ring of run events kept in memory so a
// stuck or misbehaving session can be inspected after the fact. The
// oldest entries are displaced once the ring fills. A nil *Journal
// records nothing and reads empty, so call sites stay unconditional.
type Journal struct {
	mu   sync.Mutex
	buf  []JournalEvent
	next int
	full bool
	seq  int64
}

// NewJournal builds a journal retaining up to capacity events.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Journal{buf: make([]JournalEvent, capacity)}
}

// Record stamps and stores one event. The trace id is taken from ctx
// when a span is open so journal entries link back to exported traces.
func (j *Journal) Record(ctx context.Context, ev JournalEvent) {
	if j == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.TraceID == "" {
		ev.TraceID = GetTraceID(ctx)
	}
	j.mu.Lock()
	j.seq++
	ev.Seq = j.seq
	j.buf[j.next] = ev
	j.next++
	if j.next == len(j.buf) {
		j.next = 0
		j.full = true
	}
	j.mu.Unlock()
}

// BySession returns the retained events for one session, oldest first.
func (j *Journal) BySession(sessionID string) []JournalEvent {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []JournalEvent
	for _, ev := range j.ordered() {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}

// Recent returns up to n of the newest retained events, oldest first.
func (j *Journal) Recent(n int) []JournalEvent {
	if j == nil || n <= 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	all := j.ordered()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]JournalEvent(nil), all...)
}

// Len reports how many events the journal currently retains.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.full {
		return len(j.buf)
	}
	return j.next
}

// ordered assembles the ring oldest first. Caller holds mu.
func (j *Journal) ordered() []JournalEvent {
	if !j.full {
		return j.buf[:j.next]
	}
	out := make([]JournalEvent, 0, len(j.buf))
	out = append(out, j.buf[j.next:]...)
	return append(out, j.buf[:j.next]...)
}

// FormatTimeline renders journal events for display, a summary line
// followed by one line per event in chronological order.
func FormatTimeline(events []JournalEvent) string {
	if len(events) == 0 {
		return "no journaled events"
	}
	var tools, errs int
	for _, ev := range events {
		if ev.Kind == JournalToolStart {
			tools++
		}
		if ev.Err != "" {
			errs++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "session %s\n", events[0].SessionID)
	fmt.Fprintf(&b, "%d events over %s, %d tool calls, %d errors\n",
		len(events),
		events[len(events)-1].Time.Sub(events[0].Time).Round(time.Millisecond),
		tools, errs)
	for i, ev := range events {
		prefix := "├─"
		if i == len(events)-1 {
			prefix = "└─"
		}
		fmt.Fprintf(&b, "%s [%s] %s", prefix, ev.Time.Format("15:04:05.000"), ev.Kind)
		if ev.Name != "" {
			fmt.Fprintf(&b, " %s", ev.Name)
		}
		if ev.Err != "" {
			fmt.Fprintf(&b, " (error: %s)", ev.Err)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
