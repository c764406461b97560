package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petrelhq/petrel/internal/agent"
	"github.com/petrelhq/petrel/pkg/models"
)

var (
	// ErrDecisionPending means the one-slot rendezvous is occupied.
	ErrDecisionPending = errors.New("session: a human decision is already pending")
	// ErrNoPendingDecision means hitl.submit arrived with nothing to answer.
	ErrNoPendingDecision = errors.New("session: no pending human decision")
	// ErrDecisionMismatch means the submitted tool_use_id does not match
	// the pending question.
	ErrDecisionMismatch = errors.New("session: answer does not match the pending decision")
)

type pendingDecision struct {
	payload *models.HITLPayload
	answer  chan string
}

// Rendezvous is the one-slot handoff between the executing run and the
// human. Exactly one question may be outstanding; the asker blocks until
// hitl.submit fulfils it, the timeout lapses, or the run is cancelled.
// A lapsed timeout surfaces as a deadline error so the executor folds it
// into a timeout tool result.
type Rendezvous struct {
	conversationID string
	sessionID      string
	timeout        time.Duration
	sink           agent.EventSink
	setWaiting     func(bool)

	mu      sync.Mutex
	pending *pendingDecision
}

// NewRendezvous builds the rendezvous for one session. setWaiting, when
// non-nil, flips the session between running and waiting_hitl around
// each wait.
func NewRendezvous(conversationID, sessionID string, timeout time.Duration, sink agent.EventSink, setWaiting func(bool)) *Rendezvous {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if sink == nil {
		sink = agent.NopSink{}
	}
	return &Rendezvous{
		conversationID: conversationID,
		sessionID:      sessionID,
		timeout:        timeout,
		sink:           sink,
		setWaiting:     setWaiting,
	}
}

// Ask emits hitl_confirm and blocks for the answer.
func (r *Rendezvous) Ask(ctx context.Context, req *models.HITLPayload) (string, error) {
	p := &pendingDecision{payload: req, answer: make(chan string, 1)}
	r.mu.Lock()
	if r.pending != nil {
		r.mu.Unlock()
		return "", ErrDecisionPending
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = int(r.timeout / time.Second)
	}
	r.pending = p
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.pending = nil
		r.mu.Unlock()
	}()
	if r.setWaiting != nil {
		r.setWaiting(true)
		defer r.setWaiting(false)
	}

	r.sink.Emit(ctx, models.AgentEvent{
		Type:           models.EventHITLConfirm,
		Time:           time.Now().UTC(),
		ConversationID: r.conversationID,
		SessionID:      r.sessionID,
		HITL:           req,
	})

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case answer := <-p.answer:
		return answer, nil
	case <-timer.C:
		return "", fmt.Errorf("no human response within %s: %w", r.timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Approve implements the tool executor's approval handoff over Ask.
func (r *Rendezvous) Approve(ctx context.Context, req *models.HITLPayload) (bool, error) {
	answer, err := r.Ask(ctx, req)
	if err != nil {
		return false, err
	}
	return affirmative(answer), nil
}

// Resolve fulfils the pending question with the client's answer. An
// empty toolUseID matches whatever is pending.
func (r *Rendezvous) Resolve(toolUseID, answer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return ErrNoPendingDecision
	}
	if toolUseID != "" && toolUseID != r.pending.payload.ToolUseID {
		return ErrDecisionMismatch
	}
	select {
	case r.pending.answer <- answer:
		return nil
	default:
		return ErrNoPendingDecision
	}
}

// Pending returns the outstanding question, or nil.
func (r *Rendezvous) Pending() *models.HITLPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil
	}
	return r.pending.payload
}

func affirmative(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "approve", "approved", "yes", "y", "allow", "ok", "continue":
		return true
	default:
		return false
	}
}

// Bridge routes executor approvals and ask_user questions to the
// rendezvous of the session carried in the call context. It breaks the
// construction cycle: the executor is built before any session exists.
type Bridge struct{}

func (Bridge) Approve(ctx context.Context, req *models.HITLPayload) (bool, error) {
	sess, ok := FromContext(ctx)
	if !ok {
		return false, errors.New("session: no session in context")
	}
	return sess.rendezvous.Approve(ctx, req)
}

func (Bridge) Ask(ctx context.Context, req *models.HITLPayload) (string, error) {
	sess, ok := FromContext(ctx)
	if !ok {
		return "", errors.New("session: no session in context")
	}
	return sess.rendezvous.Ask(ctx, req)
}
