// Package session orchestrates agent runs: it owns session lifecycle
// and cancellation, the human-in-the-loop rendezvous, snapshot and
// rollback disposition, steering, usage accounting, and the background
// work scheduled after a session completes.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/petrelhq/petrel/internal/agent"
	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/pkg/models"
)

// Session is one run of the agent loop for one conversation. It is
// created by the manager and stays resident, terminal state included,
// until the grace period lapses.
type Session struct {
	ID             string
	ConversationID string
	AgentID        string
	UserID         string
	StartedAt      time.Time

	cancel     context.CancelFunc
	stopOnce   sync.Once
	rendezvous *Rendezvous
	steering   *Steering
	sink       *agent.BoundedSink
	events     <-chan models.AgentEvent
	tap        *usageTap

	mu         sync.Mutex
	state      models.SessionState
	snapshotID string
	result     *agent.RunResult
	reason     string
	endedAt    time.Time
	done       chan struct{}
}

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events is the client-facing event stream. One consumer reads it; the
// channel closes when the session is destroyed.
func (s *Session) Events() <-chan models.AgentEvent {
	return s.events
}

// Done closes once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop fires the one-shot cancel signal. The loop observes it before
// the next turn and before each tool call; the in-flight stream flushes
// best-effort.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Steer queues guidance for the next turn boundary.
func (s *Session) Steer(text string) bool {
	return s.steering.Push(text)
}

// PendingDecision returns the outstanding HITL question, or nil.
func (s *Session) PendingDecision() *models.HITLPayload {
	return s.rendezvous.Pending()
}

// Result returns the terminal outcome, or nil while the run is active.
func (s *Session) Result() *agent.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// SnapshotID returns the workspace snapshot captured for this session,
// or "" when no destructive tool ran.
func (s *Session) SnapshotID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotID
}

// Info is the externally visible snapshot used by status surfaces.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := models.SessionInfo{
		SessionID:      s.ID,
		ConversationID: s.ConversationID,
		AgentID:        s.AgentID,
		State:          s.state,
		StartedAt:      s.StartedAt,
		SnapshotID:     s.snapshotID,
	}
	if s.tap != nil {
		info.TurnCount = s.tap.Turns()
	}
	if s.result != nil {
		info.TurnCount = s.result.Turns
		info.ConsecutiveFailures = s.result.ConsecutiveFailures
		info.BacktrackCount = s.result.Backtracks
		info.Usage = s.result.Usage
	}
	return info
}

func (s *Session) setState(state models.SessionState) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.mu.Unlock()
	s.emitStateChange(prev, state, "")
}

// setWaiting flips running <-> waiting_hitl around a rendezvous wait.
func (s *Session) setWaiting(waiting bool) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	prev := s.state
	if waiting {
		s.state = models.SessionWaitingHITL
	} else {
		s.state = models.SessionRunning
	}
	next := s.state
	s.mu.Unlock()
	s.emitStateChange(prev, next, "")
}

func (s *Session) setSnapshot(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotID = id
}

func (s *Session) setTerminal(state models.SessionState, reason string, result *agent.RunResult, endedAt time.Time) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.reason = reason
	s.result = result
	s.endedAt = endedAt
	close(s.done)
	s.mu.Unlock()
	s.emitStateChange(prev, state, reason)
}

// emitStateChange reports a lifecycle transition on the diagnostics
// bus. A no-op unless diagnostics are enabled.
func (s *Session) emitStateChange(prev, next models.SessionState, reason string) {
	if prev == next {
		return
	}
	observability.EmitSessionState(&observability.SessionStateEvent{
		SessionID: s.ID,
		PrevState: string(prev),
		State:     string(next),
		Reason:    reason,
	})
}

func (s *Session) terminalSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.IsTerminal() {
		return time.Time{}, false
	}
	return s.endedAt, true
}
