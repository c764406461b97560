package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/pkg/models"
)

func TestJournalCapturesRunLifecycle(t *testing.T) {
	journal := observability.NewJournal(128)
	f := newManagerFixture(t, &scriptedAdapter{scripts: [][]models.Delta{
		textDeltas("Journaled run.", models.StopEndTurn),
	}}, func(_ *Options, deps *Deps) {
		deps.Journal = journal
	})
	sess := f.start(t, "record this run")
	awaitEvent(t, sess, models.EventSessionEnd)

	events, err := f.mgr.Trace(sess.ID)
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	kinds := map[string]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	for _, want := range []string{
		observability.JournalRunStart,
		observability.JournalTurn,
		observability.JournalLLMStop,
		observability.JournalRunEnd,
	} {
		if kinds[want] == 0 {
			t.Errorf("no %s entry; got %v", want, kinds)
		}
	}
	if events[0].Kind != observability.JournalRunStart {
		t.Errorf("first entry = %s, want run_start", events[0].Kind)
	}
	last := events[len(events)-1]
	if last.Kind != observability.JournalRunEnd || last.Name != string(models.SessionCompleted) {
		t.Errorf("last entry = %s %s", last.Kind, last.Name)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("entries out of order at %d", i)
		}
	}

	if _, err := f.mgr.Trace("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Trace on unknown session = %v", err)
	}
}

func TestTraceRequiresJournal(t *testing.T) {
	f := newManagerFixture(t, &scriptedAdapter{}, nil)
	if _, err := f.mgr.Trace("s-1"); !errors.Is(err, ErrStateInvalid) {
		t.Fatalf("Trace without journal = %v", err)
	}
}

func TestDiagnosticsReportRunLifecycle(t *testing.T) {
	observability.SetDiagnosticsEnabled(true)
	defer observability.SetDiagnosticsEnabled(false)

	var mu sync.Mutex
	var got []observability.DiagnosticEventPayload
	defer observability.OnDiagnosticEvent(func(ev observability.DiagnosticEventPayload) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})()

	f := newManagerFixture(t, &scriptedAdapter{scripts: [][]models.Delta{
		textDeltas("Reported.", models.StopEndTurn),
	}}, nil)
	sess := f.start(t, "emit lifecycle diagnostics")
	drain(sess)
	<-sess.Done()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var sawUsage, sawTerminal bool
		for _, ev := range got {
			switch e := ev.(type) {
			case *observability.ModelUsageEvent:
				if e.SessionID == sess.ID && e.Usage.Total > 0 {
					sawUsage = true
				}
			case *observability.SessionStateEvent:
				if e.SessionID == sess.ID && e.State == string(models.SessionCompleted) {
					sawTerminal = true
				}
			}
		}
		return sawUsage && sawTerminal
	})
}

func TestSweepReportsStuckSessionsAndHeartbeat(t *testing.T) {
	observability.SetDiagnosticsEnabled(true)
	defer observability.SetDiagnosticsEnabled(false)

	var mu sync.Mutex
	var got []observability.DiagnosticEventPayload
	defer observability.OnDiagnosticEvent(func(ev observability.DiagnosticEventPayload) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})()

	adapter := newBlockingAdapter()
	f := newManagerFixture(t, adapter, nil)
	sess := f.start(t, "hang long enough to look stuck")
	drain(sess)
	<-adapter.started

	f.clock.Advance(16 * time.Minute)
	if _, err := f.mgr.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	mu.Lock()
	var sawStuck, sawHeartbeat bool
	for _, ev := range got {
		switch e := ev.(type) {
		case *observability.SessionStuckEvent:
			if e.SessionID == sess.ID && e.AgeMs > 0 {
				sawStuck = true
			}
		case *observability.DiagnosticHeartbeatEvent:
			if e.Active >= 1 {
				sawHeartbeat = true
			}
		}
	}
	mu.Unlock()
	if !sawStuck {
		t.Error("no stuck report for the long-running session")
	}
	if !sawHeartbeat {
		t.Error("no heartbeat from sweep")
	}

	close(adapter.release)
	<-sess.Done()
}
