package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/petrelhq/petrel/internal/agent"
	"github.com/petrelhq/petrel/internal/capability"
	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/contextpipe"
	"github.com/petrelhq/petrel/internal/intent"
	"github.com/petrelhq/petrel/internal/memory"
	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/internal/playbook"
	"github.com/petrelhq/petrel/internal/providers"
	"github.com/petrelhq/petrel/internal/scratchpad"
	"github.com/petrelhq/petrel/internal/snapshot"
	"github.com/petrelhq/petrel/internal/store"
	"github.com/petrelhq/petrel/internal/tools"
	"github.com/petrelhq/petrel/pkg/models"
)

var (
	// ErrSessionLimit means the concurrent session cap is reached.
	ErrSessionLimit = errors.New("session: concurrent session limit reached")
	// ErrConversationActive rejects chat.send while a run is active.
	ErrConversationActive = errors.New("session: conversation already has an active session")
	// ErrNotFound means no such session is resident.
	ErrNotFound = errors.New("session: not found")
	// ErrNotRunning rejects operations that need a live run.
	ErrNotRunning = errors.New("session: not running")
	// ErrStateInvalid rejects operations the current state forbids.
	ErrStateInvalid = errors.New("session: operation not valid in this state")
	// ErrNoSnapshot means rollback was requested with nothing captured.
	ErrNoSnapshot = errors.New("session: no snapshot to roll back to")
	// ErrClosed means the manager is shutting down.
	ErrClosed = errors.New("session: manager is closed")
	// ErrUnknownAgent means the request named an unconfigured agent.
	ErrUnknownAgent = errors.New("session: unknown agent")
)

// historyPageLimit bounds how much persisted history seeds a run; the
// pipeline's decay zones handle depth beyond it.
const historyPageLimit = 200

// followUpWait bounds how long session_end waits for the follow-up
// generation task before shipping without suggestions.
const followUpWait = 2 * time.Second

// metadata keys on the conversation row.
const (
	metaTitle       = "title"
	metaSuggestions = "suggestions"
	metaSnapshotID  = "snapshot_id"
)

// Binding is the resolved execution surface for one agent id: its
// thresholds, persona, and the adapters serving the main and light
// model roles.
type Binding struct {
	Config  config.AgentConfig
	Persona string

	Adapter providers.Adapter
	Model   string

	// Light serves background generation and may equal Adapter.
	Light      providers.Adapter
	LightModel string

	MaxTokens int
}

// Deps are the collaborators a manager wires into every run. Store,
// Executor, and Pipeline are required; the rest degrade to disabled
// features when nil.
type Deps struct {
	Store     store.Store
	Registry  *capability.Registry
	Selector  *tools.Selector
	Executor  *tools.Executor
	Pipeline  *contextpipe.Pipeline
	Intent    *intent.Analyzer
	Snapshots *snapshot.Manager
	Scratch   scratchpad.Store
	Memory    *memory.Extractor
	Playbook  *playbook.Lifecycle
	Plans     *Plans
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Journal   *observability.Journal
	Logger    *slog.Logger
}

// Options configure the manager.
type Options struct {
	Session config.SessionConfig

	// Snapshot and Scratchpad supply the retention windows the sweeper
	// enforces.
	Snapshot   config.SnapshotConfig
	Scratchpad config.ScratchpadConfig

	Bindings     map[string]*Binding
	DefaultAgent string

	Now func() time.Time
}

// Manager owns every resident session: it starts runs, routes stop,
// steer, hitl.submit and rollback to them, schedules post-session
// background work, and sweeps terminal sessions past their grace
// period.
type Manager struct {
	opts   Options
	deps   Deps
	pool   *Pool
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	byConv   map[string]*Session
	active   int
	closed   bool
}

func NewManager(opts Options, deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("session: tool executor is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("session: context pipeline is required")
	}
	if len(opts.Bindings) == 0 {
		return nil, errors.New("session: at least one agent binding is required")
	}
	if opts.DefaultAgent == "" {
		for id := range opts.Bindings {
			opts.DefaultAgent = id
			break
		}
	}
	if _, ok := opts.Bindings[opts.DefaultAgent]; !ok {
		return nil, fmt.Errorf("session: default agent %q has no binding", opts.DefaultAgent)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	m := &Manager{
		opts:     opts,
		deps:     deps,
		pool:     NewPool(opts.Session.Background, logger),
		logger:   logger,
		now:      now,
		sessions: map[string]*Session{},
		byConv:   map[string]*Session{},
	}
	if opts.Session.SweepSchedule != "" {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(opts.Session.SweepSchedule, func() {
			if _, err := m.Sweep(context.Background()); err != nil {
				m.logger.Warn("sweep failed", "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("session: bad sweep schedule %q: %w", opts.Session.SweepSchedule, err)
		}
		m.cron.Start()
	}
	return m, nil
}

// StartRequest is one chat.send.
type StartRequest struct {
	ConversationID string
	UserID         string
	AgentID        string
	Text           string
	AllowedTools   []string
}

// Start allocates a session for the user turn and launches the run.
// The caller consumes Events() on the returned session; lifecycle
// events block the run when nobody reads them.
func (m *Manager) Start(ctx context.Context, req *StartRequest) (*Session, error) {
	if req == nil || req.ConversationID == "" {
		return nil, errors.New("session: conversation id is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("session: message text is required")
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = m.opts.DefaultAgent
	}
	binding, ok := m.opts.Bindings[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	startedAt := m.now()
	sink, events := agent.NewBoundedSink(agent.BoundedSinkConfig{})
	sess := &Session{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		AgentID:        agentID,
		UserID:         req.UserID,
		StartedAt:      startedAt,
		steering:       &Steering{},
		sink:           sink,
		events:         events,
		state:          models.SessionIdle,
		done:           make(chan struct{}),
	}
	sess.tap = newUsageTap(m.deps.Store, sess.ID, req.ConversationID,
		binding.Adapter.Name(), binding.Model, m.logger)
	sinks := []agent.EventSink{sink, sess.tap}
	if m.deps.Journal != nil {
		sinks = append(sinks, &journalTap{journal: m.deps.Journal})
	}
	combined := agent.NewMultiSink(sinks...)
	sess.rendezvous = NewRendezvous(req.ConversationID, sess.ID,
		binding.Config.HITLTimeout, combined, sess.setWaiting)

	// Reserve the conversation slot before any I/O.
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		sink.Close()
		return nil, ErrClosed
	case m.active >= m.opts.Session.MaxConcurrent:
		m.mu.Unlock()
		sink.Close()
		return nil, ErrSessionLimit
	case m.byConv[req.ConversationID] != nil:
		m.mu.Unlock()
		sink.Close()
		return nil, ErrConversationActive
	}
	m.sessions[sess.ID] = sess
	m.byConv[req.ConversationID] = sess
	m.active++
	m.mu.Unlock()

	m.deps.Journal.Record(ctx, observability.JournalEvent{
		Kind:           observability.JournalRunStart,
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		Name:           agentID,
	})

	history, err := m.prepareHistory(ctx, sess, req)
	if err != nil {
		m.release(sess)
		sink.Close()
		return nil, err
	}

	var intentRes *models.IntentResult
	if m.deps.Intent != nil {
		intentRes = m.deps.Intent.Analyze(ctx, history)
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.SessionStarted()
	}
	if intentRes != nil && intentRes.WantsRollback {
		m.shortCircuitRollback(ctx, sess)
		return sess, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = WithSession(runCtx, sess)
	sess.cancel = cancel

	loop, err := agent.New(agent.Config{
		Adapter:     binding.Adapter,
		Pipeline:    m.deps.Pipeline,
		Selector:    m.deps.Selector,
		Executor:    m.deps.Executor,
		Store:       m.deps.Store,
		Agent:       binding.Config,
		Model:       binding.Model,
		MaxTokens:   binding.MaxTokens,
		Sink:        combined,
		Hooks:       m.hooksFor(sess),
		Destructive: m.destructiveFor(agentID),
		Metrics:     m.deps.Metrics,
		Tracer:      m.deps.Tracer,
		Logger:      m.logger,
	})
	if err != nil {
		cancel()
		m.release(sess)
		sink.Close()
		if m.deps.Metrics != nil {
			m.deps.Metrics.SessionEnded(0)
		}
		return nil, err
	}

	input := &agent.RunInput{
		ConversationID: req.ConversationID,
		SessionID:      sess.ID,
		AgentID:        agentID,
		UserID:         req.UserID,
		Persona:        binding.Persona,
		Intent:         intentRes,
		History:        history,
		Skills:         m.skillsFor(ctx, agentID),
		AllowedTools:   req.AllowedTools,
		Plan:           m.planFor(sess),
		Goal:           contextpipe.GoalState{Goal: clip(req.Text, 200)},
		StartedAt:      startedAt,
	}

	sess.setState(models.SessionRunning)
	go func() {
		res, runErr := loop.Run(runCtx, input)
		if runErr != nil {
			res = &agent.RunResult{
				State:  models.SessionError,
				Reason: agent.ReasonStreamError,
				Err:    runErr,
			}
		}
		m.finalize(sess, binding, res)
	}()
	return sess, nil
}

// prepareHistory loads the persisted transcript and appends the new
// user message to it and to the store.
func (m *Manager) prepareHistory(ctx context.Context, sess *Session, req *StartRequest) ([]*models.Message, error) {
	if err := m.deps.Store.EnsureConversation(ctx, req.ConversationID, req.UserID); err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	history, _, _, err := m.deps.Store.ReadMessages(ctx, req.ConversationID, historyPageLimit, "")
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	userMsg := models.NewUserMessage(req.ConversationID, req.Text)
	if err := m.deps.Store.AppendMessages(ctx, req.ConversationID, []*models.Message{userMsg}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	return append(history, userMsg), nil
}

// hooksFor wires the session's suspension points into the loop.
func (m *Manager) hooksFor(sess *Session) agent.Hooks {
	h := agent.Hooks{
		DrainSteering: sess.steering.Drain,
		Escalate: func(ctx context.Context, req *models.HITLPayload) (bool, error) {
			answer, err := sess.rendezvous.Ask(ctx, req)
			if err != nil {
				m.recordHITL("timeout")
				return false, nil
			}
			proceed := affirmative(answer)
			if proceed {
				m.recordHITL("approved")
			} else {
				m.recordHITL("rejected")
			}
			return proceed, nil
		},
		ConfirmContinue: func(ctx context.Context, req *models.ConfirmPayload) (bool, error) {
			answer, err := sess.rendezvous.Ask(ctx, &models.HITLPayload{
				ToolUseID: "confirm-" + uuid.NewString(),
				Question:  req.Question,
				Options:   []string{"continue", "stop"},
			})
			if err != nil {
				return false, nil
			}
			return affirmative(answer), nil
		},
	}
	if m.deps.Snapshots != nil {
		h.BeforeDestructive = func(ctx context.Context) error {
			snap, err := m.deps.Snapshots.Capture(ctx, sess.ID)
			if err != nil {
				if m.deps.Metrics != nil {
					m.deps.Metrics.RecordSnapshot("capture", "error")
				}
				return err
			}
			if m.deps.Metrics != nil {
				m.deps.Metrics.RecordSnapshot("capture", "success")
			}
			sess.setSnapshot(snap.ID)
			if err := m.deps.Store.SetMetadata(ctx, sess.ConversationID, metaSnapshotID, snap.ID); err != nil {
				m.logger.Warn("snapshot metadata write failed", "error", err)
			}
			return nil
		}
	}
	return h
}

func (m *Manager) destructiveFor(agentID string) func(string) bool {
	if m.deps.Registry == nil {
		return nil
	}
	return func(name string) bool {
		c, ok := m.deps.Registry.ResolveFor(agentID, name)
		return ok && c.Destructive
	}
}

func (m *Manager) planFor(sess *Session) func() *models.Plan {
	if m.deps.Plans == nil {
		return nil
	}
	return func() *models.Plan { return m.deps.Plans.Plan(sess.ID) }
}

func (m *Manager) skillsFor(ctx context.Context, agentID string) []*models.Capability {
	if m.deps.Registry == nil {
		return nil
	}
	var out []*models.Capability
	for _, c := range m.deps.Registry.AllFor(ctx, agentID) {
		if c.Kind == models.KindSkill {
			out = append(out, c)
		}
	}
	return out
}

// finalize records the terminal outcome, settles the snapshot, emits
// the closing events, and schedules background work.
func (m *Manager) finalize(sess *Session, binding *Binding, res *agent.RunResult) {
	ctx := context.Background()
	endedAt := m.now()
	sess.setTerminal(res.State, string(res.Reason), res, endedAt)
	sess.tap.Flush(ctx)
	m.release(sess)

	m.settleSnapshot(ctx, sess, res.State)
	if res.State == models.SessionStopped {
		m.emit(ctx, sess, models.AgentEvent{
			Type:           models.EventSessionStopped,
			Time:           endedAt,
			ConversationID: sess.ConversationID,
			SessionID:      sess.ID,
			Session:        &models.SessionPayload{State: res.State, Reason: string(res.Reason)},
		})
	}

	suggestions := m.scheduleBackground(ctx, sess, binding, res)

	m.emit(ctx, sess, models.AgentEvent{
		Type:           models.EventSessionEnd,
		Time:           m.now(),
		ConversationID: sess.ConversationID,
		SessionID:      sess.ID,
		Session: &models.SessionPayload{
			State:       res.State,
			Reason:      string(res.Reason),
			Usage:       &res.Usage,
			DurationMS:  endedAt.Sub(sess.StartedAt).Milliseconds(),
			Suggestions: suggestions,
		},
	})

	if err := m.deps.Store.RecordSession(ctx, &store.SessionRecord{
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		AgentID:        sess.AgentID,
		State:          res.State,
		Reason:         string(res.Reason),
		StartedAt:      sess.StartedAt,
		EndedAt:        endedAt,
		TurnCount:      res.Turns,
		BacktrackCount: res.Backtracks,
		SnapshotID:     sess.SnapshotID(),
	}); err != nil {
		m.logger.Warn("session audit write failed", "session_id", sess.ID, "error", err)
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.SessionEnded(endedAt.Sub(sess.StartedAt).Seconds())
	}
	m.logger.Info("session finished",
		"session_id", sess.ID,
		"conversation_id", sess.ConversationID,
		"state", string(res.State),
		"reason", string(res.Reason),
		"turns", res.Turns)
}

// settleSnapshot commits the workspace snapshot after a clean finish
// and offers rollback otherwise.
func (m *Manager) settleSnapshot(ctx context.Context, sess *Session, state models.SessionState) {
	id := sess.SnapshotID()
	if id == "" || m.deps.Snapshots == nil {
		return
	}
	if state == models.SessionCompleted {
		if err := m.deps.Snapshots.Commit(ctx, id); err != nil {
			m.logger.Warn("snapshot commit failed", "snapshot_id", id, "error", err)
		}
		return
	}
	m.emit(ctx, sess, models.AgentEvent{
		Type:           models.EventRollbackOptions,
		Time:           m.now(),
		ConversationID: sess.ConversationID,
		SessionID:      sess.ID,
		Rollback:       &models.RollbackPayload{SnapshotID: id, Options: []string{"rollback", "dismiss"}},
	})
}

// scheduleBackground queues the post-session tasks. Only follow-up
// generation is waited on, briefly, so session_end can carry the
// suggestions when they arrive in time.
func (m *Manager) scheduleBackground(ctx context.Context, sess *Session, binding *Binding, res *agent.RunResult) []string {
	bg := m.opts.Session.Background
	completed := res.State == models.SessionCompleted

	history, _, _, err := m.deps.Store.ReadMessages(ctx, sess.ConversationID, historyPageLimit, "")
	if err != nil {
		m.logger.Warn("history read for background tasks failed", "error", err)
		return nil
	}

	if bg.Title != nil && *bg.Title && binding.Light != nil {
		m.pool.Submit("title", func(ctx context.Context) {
			m.generateTitleOnce(ctx, sess.ConversationID, binding, history)
		})
	}
	if completed && bg.MemoryExtraction != nil && *bg.MemoryExtraction && m.deps.Memory != nil {
		userID := sess.UserID
		m.pool.Submit("memory_extraction", func(ctx context.Context) {
			if _, err := m.deps.Memory.Extract(ctx, userID, history); err != nil {
				m.logger.Debug("memory extraction failed", "error", err)
			}
		})
	}
	if completed && bg.PlaybookExtraction != nil && *bg.PlaybookExtraction && m.deps.Playbook != nil &&
		m.deps.Playbook.ShouldExtract(res.ToolCalls, len(res.FinalText)) {
		m.pool.Submit("playbook_extraction", func(ctx context.Context) {
			entry, err := m.deps.Playbook.Extract(ctx, sess.UserID, sess.ID, history)
			if err != nil || entry == nil {
				return
			}
			m.emit(ctx, sess, models.AgentEvent{
				Type:           models.EventPlaybookSuggestion,
				Time:           m.now(),
				ConversationID: sess.ConversationID,
				SessionID:      sess.ID,
				Playbook:       &models.PlaybookPayload{Entry: entry},
			})
		})
	}

	if !completed || bg.FollowUps == nil || !*bg.FollowUps || binding.Light == nil {
		return nil
	}
	ready := make(chan []string, 1)
	submitted := m.pool.Submit("follow_ups", func(ctx context.Context) {
		suggestions, err := generateFollowUps(ctx, binding.Light, binding.LightModel, history)
		if err != nil || len(suggestions) == 0 {
			return
		}
		ready <- suggestions
		if raw, err := json.Marshal(suggestions); err == nil {
			if err := m.deps.Store.SetMetadata(ctx, sess.ConversationID, metaSuggestions, string(raw)); err != nil {
				m.logger.Debug("suggestions metadata write failed", "error", err)
			}
		}
	})
	if !submitted {
		return nil
	}
	select {
	case suggestions := <-ready:
		return suggestions
	case <-time.After(followUpWait):
		return nil
	}
}

func (m *Manager) generateTitleOnce(ctx context.Context, conversationID string, binding *Binding, history []*models.Message) {
	meta, err := m.deps.Store.GetMetadata(ctx, conversationID)
	if err == nil && meta[metaTitle] != "" {
		return
	}
	title, err := generateTitle(ctx, binding.Light, binding.LightModel, history)
	if err != nil {
		m.logger.Debug("title generation failed", "error", err)
		return
	}
	if err := m.deps.Store.SetMetadata(ctx, conversationID, metaTitle, title); err != nil {
		m.logger.Debug("title metadata write failed", "error", err)
	}
}

// shortCircuitRollback settles a rollback-intent turn without running
// the loop: it surfaces the available snapshot and completes.
func (m *Manager) shortCircuitRollback(ctx context.Context, sess *Session) {
	snapID := ""
	if meta, err := m.deps.Store.GetMetadata(ctx, sess.ConversationID); err == nil {
		snapID = meta[metaSnapshotID]
	}
	if snapID != "" {
		m.emit(ctx, sess, models.AgentEvent{
			Type:           models.EventRollbackOptions,
			Time:           m.now(),
			ConversationID: sess.ConversationID,
			SessionID:      sess.ID,
			Rollback:       &models.RollbackPayload{SnapshotID: snapID, Options: []string{"rollback", "dismiss"}},
		})
	} else {
		m.emit(ctx, sess, models.AgentEvent{
			Type:           models.EventNotification,
			Time:           m.now(),
			ConversationID: sess.ConversationID,
			SessionID:      sess.ID,
			Note:           &models.NotePayload{Level: "info", Text: "There is no snapshot to roll back to."},
		})
	}

	endedAt := m.now()
	sess.setTerminal(models.SessionCompleted, "rollback_requested", &agent.RunResult{
		State: models.SessionCompleted,
	}, endedAt)
	m.release(sess)
	m.emit(ctx, sess, models.AgentEvent{
		Type:           models.EventSessionEnd,
		Time:           endedAt,
		ConversationID: sess.ConversationID,
		SessionID:      sess.ID,
		Session:        &models.SessionPayload{State: models.SessionCompleted, Reason: "rollback_requested"},
	})
	if err := m.deps.Store.RecordSession(ctx, &store.SessionRecord{
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		AgentID:        sess.AgentID,
		State:          models.SessionCompleted,
		Reason:         "rollback_requested",
		StartedAt:      sess.StartedAt,
		EndedAt:        endedAt,
	}); err != nil {
		m.logger.Warn("session audit write failed", "session_id", sess.ID, "error", err)
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.SessionEnded(endedAt.Sub(sess.StartedAt).Seconds())
	}
}

// Stop fires the cancel signal on a live session.
func (m *Manager) Stop(sessionID string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if sess.State().IsTerminal() {
		return ErrStateInvalid
	}
	sess.Stop()
	return nil
}

// Steer queues guidance for the next turn boundary of a live session.
func (m *Manager) Steer(sessionID, text string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if sess.State().IsTerminal() {
		return ErrNotRunning
	}
	if !sess.Steer(text) {
		return errors.New("session: steering rejected")
	}
	return nil
}

// ResolveHITL fulfils the pending human decision.
func (m *Manager) ResolveHITL(sessionID, toolUseID, answer string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return sess.rendezvous.Resolve(toolUseID, answer)
}

// Rollback restores the workspace snapshot retained by a stopped or
// failed session.
func (m *Manager) Rollback(ctx context.Context, sessionID string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	switch sess.State() {
	case models.SessionStopped, models.SessionError:
	default:
		return ErrStateInvalid
	}
	id := sess.SnapshotID()
	if id == "" || m.deps.Snapshots == nil {
		return ErrNoSnapshot
	}
	if _, err := m.deps.Snapshots.Restore(ctx, id); err != nil {
		if m.deps.Metrics != nil {
			m.deps.Metrics.RecordSnapshot("restore", "error")
		}
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordSnapshot("restore", "success")
	}
	m.emit(ctx, sess, models.AgentEvent{
		Type:           models.EventRollbackCompleted,
		Time:           m.now(),
		ConversationID: sess.ConversationID,
		SessionID:      sess.ID,
		Rollback:       &models.RollbackPayload{SnapshotID: id},
	})
	m.logger.Info("workspace rolled back", "session_id", sess.ID, "snapshot_id", id)
	return nil
}

// Get returns a resident session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// ForConversation returns the conversation's active session, if any.
// The gateway attaches clients through it.
func (m *Manager) ForConversation(conversationID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byConv[conversationID]
	return sess, ok
}

// Sessions lists every resident session's info, live and terminal.
func (m *Manager) Sessions() []models.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Info())
	}
	return out
}

// ApprovePlaybook promotes a suggested strategy draft for matching on
// future sessions. The caller's user id scopes the lookup.
func (m *Manager) ApprovePlaybook(ctx context.Context, userID, entryID string) (*models.PlaybookEntry, error) {
	if m.deps.Playbook == nil {
		return nil, fmt.Errorf("playbook lifecycle not configured: %w", ErrStateInvalid)
	}
	entry, err := m.deps.Playbook.Approve(ctx, userID, entryID)
	if err != nil {
		if errors.Is(err, playbook.ErrNotFound) {
			return nil, fmt.Errorf("playbook %s: %w", entryID, ErrNotFound)
		}
		return nil, err
	}
	return entry, nil
}

// RejectPlaybook discards a suggested strategy draft.
func (m *Manager) RejectPlaybook(ctx context.Context, userID, entryID string) error {
	if m.deps.Playbook == nil {
		return fmt.Errorf("playbook lifecycle not configured: %w", ErrStateInvalid)
	}
	if err := m.deps.Playbook.Reject(ctx, userID, entryID); err != nil {
		if errors.Is(err, playbook.ErrNotFound) {
			return fmt.Errorf("playbook %s: %w", entryID, ErrNotFound)
		}
		return err
	}
	return nil
}

// Sweep destroys terminal sessions past the grace period and applies
// the snapshot and scratchpad retention windows. Live sessions older
// than the grace period are reported stuck on the diagnostics bus,
// along with a heartbeat of current counts. It returns how many
// sessions were destroyed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	cutoff := now.Add(-m.opts.Session.GracePeriod)

	m.mu.Lock()
	var expired, stuck []*Session
	var active, waiting int
	for _, sess := range m.sessions {
		if endedAt, terminal := sess.terminalSince(); terminal {
			if endedAt.Before(cutoff) {
				expired = append(expired, sess)
			}
			continue
		}
		if sess.State() == models.SessionWaitingHITL {
			waiting++
		} else {
			active++
		}
		if sess.StartedAt.Before(cutoff) {
			stuck = append(stuck, sess)
		}
	}
	for _, sess := range expired {
		delete(m.sessions, sess.ID)
	}
	m.mu.Unlock()

	for _, sess := range stuck {
		observability.EmitSessionStuck(&observability.SessionStuckEvent{
			SessionID: sess.ID,
			State:     string(sess.State()),
			AgeMs:     now.Sub(sess.StartedAt).Milliseconds(),
		})
	}
	observability.EmitDiagnosticHeartbeat(&observability.DiagnosticHeartbeatEvent{
		Active:     active,
		Waiting:    waiting,
		Background: m.pool.Pending(),
	})

	for _, sess := range expired {
		sess.sink.Close()
		if m.deps.Plans != nil {
			m.deps.Plans.Drop(sess.ID)
		}
	}

	var errs []error
	if m.deps.Snapshots != nil {
		if _, err := m.deps.Snapshots.Sweep(ctx, now.Add(-m.opts.Snapshot.Retention)); err != nil {
			errs = append(errs, fmt.Errorf("snapshot sweep: %w", err))
		}
	}
	if m.deps.Scratch != nil {
		if _, err := m.deps.Scratch.Sweep(ctx, now.Add(-m.opts.Scratchpad.Retention)); err != nil {
			errs = append(errs, fmt.Errorf("scratchpad sweep: %w", err))
		}
	}
	if len(expired) > 0 {
		m.logger.Info("swept sessions", "destroyed", len(expired))
	}
	return len(expired), errors.Join(errs...)
}

// Close stops the sweeper, cancels live runs, and drains background
// work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		live = append(live, sess)
	}
	m.mu.Unlock()

	if m.cron != nil {
		m.cron.Stop()
	}
	for _, sess := range live {
		if !sess.State().IsTerminal() {
			sess.Stop()
		}
	}
	for _, sess := range live {
		if !sess.State().IsTerminal() {
			select {
			case <-sess.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
	m.pool.Close()
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// release frees the conversation slot once a session goes terminal.
// The session itself stays resident until the sweeper destroys it.
func (m *Manager) release(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byConv[sess.ConversationID] == sess {
		delete(m.byConv, sess.ConversationID)
	}
	if m.active > 0 {
		m.active--
	}
}

func (m *Manager) emit(ctx context.Context, sess *Session, e models.AgentEvent) {
	journalAgentEvent(ctx, m.deps.Journal, e)
	sess.sink.Emit(ctx, e)
	if m.deps.Metrics != nil && e.Type.ClientVisible() {
		m.deps.Metrics.RecordEventSent(string(e.Type))
	}
}

func (m *Manager) recordHITL(outcome string) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordHITL(outcome)
	}
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
