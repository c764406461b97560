// Package agent drives the per-session control loop: call the model,
// stream the response, run the requested tools, classify failures, and
// decide every turn whether to continue, backtrack, escalate to a human,
// or stop. Failures become data for the next prompt; they never abort
// the session on their own.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/contextpipe"
	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/internal/providers"
	"github.com/petrelhq/petrel/internal/store"
	"github.com/petrelhq/petrel/internal/tools"
	"github.com/petrelhq/petrel/pkg/models"
)

// recentErrorWindow caps how many failed invocations feed the
// recent-errors injector.
const recentErrorWindow = 5

func timeNow() time.Time { return time.Now().UTC() }

// Hooks are the session-provided suspension points. All are optional.
type Hooks struct {
	// BeforeDestructive runs once per session before the first
	// destructive tool call, typically to capture a workspace snapshot.
	// An error refuses the call instead of executing it unprotected.
	BeforeDestructive func(ctx context.Context) error

	// Escalate suspends the run on a human decision after a
	// safety-flagged failure. Returning false stops the session.
	Escalate func(ctx context.Context, req *models.HITLPayload) (bool, error)

	// ConfirmContinue asks once whether a long run should keep going.
	ConfirmContinue func(ctx context.Context, req *models.ConfirmPayload) (bool, error)

	// DrainSteering returns user messages queued while the run was
	// active. They join the transcript at the next turn boundary.
	DrainSteering func() []string
}

// Config wires a loop's collaborators. One Loop serves one agent; runs
// are independent and may execute concurrently.
type Config struct {
	Adapter  providers.Adapter
	Pipeline *contextpipe.Pipeline
	Selector *tools.Selector
	Executor *tools.Executor
	Store    store.Store

	Agent     config.AgentConfig
	Model     string
	MaxTokens int

	Sink  EventSink
	Hooks Hooks

	// Destructive reports whether a tool is flagged destructive; the
	// session backs it with the capability catalog.
	Destructive func(name string) bool

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Loop runs the turn cycle for one agent configuration.
type Loop struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*Loop, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("agent: adapter is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("agent: context pipeline is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("agent: tool executor is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("agent: store is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NopTracer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cfg: cfg, logger: logger.With("component", "agent")}, nil
}

// RunInput is one user turn handed to the loop by the session.
type RunInput struct {
	ConversationID string
	SessionID      string
	AgentID        string
	UserID         string

	// Persona is the resolved system persona for this agent.
	Persona string

	// Intent is the classification of the triggering user turn.
	Intent *models.IntentResult

	// History is the persisted conversation ending with the new user
	// message. The loop persists what it appends; it never rewrites
	// what it was given.
	History []*models.Message

	// Skills are the active skill capabilities, instructions included.
	Skills []*models.Capability

	// AllowedTools limits tool selection when non-nil.
	AllowedTools []string

	// Plan returns the live session plan for prompt injection.
	Plan func() *models.Plan

	// Goal seeds the goal restatement injector.
	Goal contextpipe.GoalState

	// Env is passed through to tool execution.
	Env map[string]string

	// StartedAt anchors the wall-clock budget. Zero means now.
	StartedAt time.Time
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	State  models.SessionState
	Reason TerminationReason
	Err    error

	Turns               int
	Backtracks          int
	ConsecutiveFailures int
	ToolCalls           int
	Usage               models.TokenUsage

	// FinalText is the last assistant text, used for summaries and
	// background extraction.
	FinalText string
}

// runState is the mutable state of one run.
type runState struct {
	in *RunInput

	// working is the prompt-facing transcript. Backtracking cleans it;
	// the persisted history keeps the unedited record.
	working []*models.Message

	recentErrors []*models.ToolInvocation
	classifier   *Classifier
	breaker      *Breaker
	terminator   *Terminator

	turns          int
	toolCalls      int
	usage          models.TokenUsage
	finalText      string
	reflectionOnly bool
	snapshotTaken  bool
	confirmAsked   bool
}

// Run executes the loop until a termination signal fires. The returned
// error reports unusable input only; run failures surface in the result.
func (l *Loop) Run(ctx context.Context, in *RunInput) (*RunResult, error) {
	if in == nil || in.ConversationID == "" {
		return nil, errors.New("agent: conversation id is required")
	}
	if in.StartedAt.IsZero() {
		in.StartedAt = timeNow()
	}
	complexity := models.ComplexityMedium
	if in.Intent != nil && in.Intent.Complexity != "" {
		complexity = in.Intent.Complexity
	}

	ctx, runSpan := l.cfg.Tracer.TraceSessionRun(ctx, in.SessionID, in.AgentID)
	defer runSpan.End()

	st := &runState{
		in:         in,
		working:    repairTranscript(in.History),
		classifier: NewClassifier(l.cfg.Destructive),
		breaker:    NewBreaker(l.cfg.Agent.FailureThreshold, l.cfg.Agent.BacktrackLimit),
		terminator: NewTerminator(l.cfg.Agent, complexity, in.StartedAt),
	}

	if in.Intent != nil && in.Intent.WantsToStop {
		return l.finish(ctx, st, ReasonWantsToStop, nil), nil
	}

	for {
		if ctx.Err() != nil {
			return l.finish(ctx, st, ReasonUserStop, nil), nil
		}
		l.injectSteering(ctx, st)

		reason, done, err := l.turn(ctx, st)
		if done {
			return l.finish(ctx, st, reason, err), nil
		}

		st.turns++
		if reason, ok := st.terminator.Check(st.turns, timeNow()); ok {
			return l.finish(ctx, st, reason, nil), nil
		}
		if stop, ok := l.confirmLongTask(ctx, st); ok {
			return l.finish(ctx, st, stop, nil), nil
		}
	}
}

// turn runs one React-Validate-Reflect cycle. done reports that the run
// must terminate with the given reason.
func (l *Loop) turn(ctx context.Context, st *runState) (TerminationReason, bool, error) {
	in := st.in
	turnStart := timeNow()
	ctx, turnSpan := l.cfg.Tracer.TraceTurn(ctx, in.SessionID, st.turns+1)
	defer turnSpan.End()
	l.emit(ctx, models.AgentEvent{
		Type: models.EventTurnStarted, Time: turnStart,
		ConversationID: in.ConversationID, SessionID: in.SessionID,
	})

	selected := l.selectTools(ctx, st)
	asmCtx, asmSpan := l.cfg.Tracer.TraceContextAssembly(ctx, in.SessionID)
	asm, err := l.cfg.Pipeline.Assemble(asmCtx, l.assemblyInput(st, selected))
	if err != nil {
		l.cfg.Tracer.RecordError(asmSpan, err)
		asmSpan.End()
		return ReasonStreamError, true, fmt.Errorf("assemble context: %w", err)
	}
	l.cfg.Tracer.SetAttributes(asmSpan, "tools_selected", len(selected))
	asmSpan.End()

	req := &providers.Request{
		Model:     l.cfg.Model,
		System:    asm.System,
		Messages:  providers.NormalizeMessages(asm.Messages),
		Tools:     l.cfg.Adapter.FilterTools(toolDefs(selected)),
		MaxTokens: l.cfg.MaxTokens,
	}
	llmCtx, llmSpan := l.cfg.Tracer.TraceLLMRequest(ctx, l.cfg.Adapter.Name(), l.cfg.Model)
	deltas, err := l.cfg.Adapter.Send(llmCtx, req)
	if err != nil {
		l.cfg.Tracer.RecordError(llmSpan, err)
		llmSpan.End()
		if ctx.Err() != nil {
			return ReasonUserStop, true, nil
		}
		return ReasonStreamError, true, fmt.Errorf("provider send: %w", err)
	}

	out, err := collectStream(llmCtx, deltas, l.cfg.Sink, in.ConversationID, in.SessionID)
	if err != nil {
		l.cfg.Tracer.RecordError(llmSpan, err)
		llmSpan.End()
		if ctx.Err() != nil {
			return ReasonUserStop, true, nil
		}
		return ReasonStreamError, true, fmt.Errorf("provider stream: %w", err)
	}
	l.cfg.Tracer.SetAttributes(llmSpan,
		"llm.stop_reason", string(out.StopReason),
		"llm.input_tokens", out.Usage.InputTokens,
		"llm.output_tokens", out.Usage.OutputTokens)
	llmSpan.End()
	st.usage.Add(out.Usage)
	if text := out.Text(); text != "" {
		st.finalText = text
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RecordTurn(string(out.StopReason), timeNow().Sub(turnStart).Seconds())
	}

	assistant := models.NewAssistantMessage(in.ConversationID, out.Blocks)
	st.working = append(st.working, assistant)
	l.persist(ctx, st, assistant)

	if st.reflectionOnly {
		st.reflectionOnly = false
		st.breaker.ResetLevel1()
	}

	uses := assistant.ToolUses()
	if len(uses) == 0 {
		switch out.StopReason {
		case models.StopAborted:
			return ReasonUserStop, true, nil
		default:
			return ReasonEndTurn, true, nil
		}
	}

	invocations, aborted := l.executeTools(ctx, st, uses)
	results := make([]models.Block, 0, len(invocations))
	var failed []*models.ToolInvocation
	for _, inv := range invocations {
		blk := models.ToolResultBlock(inv.ToolUseID, inv.Result, inv.IsError)
		blk.ScratchpadRef = inv.ScratchpadRef
		results = append(results, blk)
		if inv.IsError {
			failed = append(failed, inv)
			st.recentErrors = appendBounded(st.recentErrors, inv, recentErrorWindow)
		}
	}
	resultMsg := models.NewToolResultMessage(in.ConversationID, results)
	st.working = append(st.working, resultMsg)
	l.persist(ctx, st, resultMsg)

	if aborted {
		return ReasonUserStop, true, nil
	}

	if len(failed) > 0 {
		if reason, done, err := l.reflect(ctx, st, failed); done {
			return reason, done, err
		}
	}

	if st.breaker.Level1Tripped() {
		st.reflectionOnly = true
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.RecordBreakerTrip("1")
		}
		l.logger.Warn("level 1 breaker tripped, forcing reflection turn",
			"session_id", in.SessionID,
			"consecutive_failures", st.breaker.ConsecutiveFailures())
	}
	if st.breaker.Level2Tripped() {
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.RecordBreakerTrip("2")
		}
		l.note(ctx, st, "warn", fmt.Sprintf(
			"Stopping after %d backtracks without progress. Partial results are preserved in the conversation.",
			st.breaker.Backtracks()))
		return ReasonBacktrackLimit, true, nil
	}

	l.emit(ctx, models.AgentEvent{
		Type: models.EventTurnFinished, Time: timeNow(),
		ConversationID: in.ConversationID, SessionID: in.SessionID,
	})
	return "", false, nil
}

// reflect applies the classifier's decision for the turn's failures.
func (l *Loop) reflect(ctx context.Context, st *runState, failed []*models.ToolInvocation) (TerminationReason, bool, error) {
	decision := st.classifier.Classify(failed)
	l.logger.Info("tool failures classified",
		"session_id", st.in.SessionID,
		"failed", len(failed),
		"decision", decision.String())

	switch decision {
	case DecisionBacktrack:
		// A repeated failure pollutes every occurrence, not just the
		// latest: earlier attempts with the same tool and kind are
		// scrubbed from the prompt too.
		keys := make(map[failureKey]bool, len(failed))
		for _, inv := range failed {
			keys[failureKey{Tool: inv.Name, Kind: inv.ErrorKind}] = true
		}
		cleanup := make([]*models.ToolInvocation, 0, len(st.recentErrors))
		for _, inv := range st.recentErrors {
			if keys[failureKey{Tool: inv.Name, Kind: inv.ErrorKind}] {
				cleanup = append(cleanup, inv)
			}
		}
		st.working = cleanContext(st.working, cleanup)
		st.breaker.RecordBacktrack()
		for _, inv := range failed {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.RecordBacktrack(inv.Name, inv.ErrorKind)
			}
			l.cfg.Tracer.AddEvent(trace.SpanFromContext(ctx), "backtrack",
				"tool_name", inv.Name,
				"error_kind", inv.ErrorKind)
		}
		return "", false, nil

	case DecisionFailGracefully:
		l.note(ctx, st, "warn",
			"Ending early: a required tool keeps failing with an authorization problem. "+
				"Partial results are preserved in the conversation.")
		return ReasonFailGracefully, true, nil

	case DecisionEscalate:
		inv := failed[0]
		if l.cfg.Hooks.Escalate == nil {
			return ReasonFailGracefully, true, nil
		}
		proceed, err := l.cfg.Hooks.Escalate(ctx, &models.HITLPayload{
			ToolUseID: inv.ToolUseID,
			ToolName:  inv.Name,
			Question:  fmt.Sprintf("The %s tool was blocked by policy. Continue without it, or stop the session?", inv.Name),
			Options:   []string{"continue", "stop"},
		})
		if err != nil || !proceed {
			return ReasonHITLAbort, true, nil
		}
		return "", false, nil

	default:
		return "", false, nil
	}
}

// executeTools runs the turn's tool calls sequentially. A cancelled
// context stops before the next call; already-produced results are kept
// and an aborted marker is synthesized for each unstarted call so the
// transcript stays paired.
func (l *Loop) executeTools(ctx context.Context, st *runState, uses []models.Block) ([]*models.ToolInvocation, bool) {
	in := st.in
	invocations := make([]*models.ToolInvocation, 0, len(uses))
	aborted := false

	for _, use := range uses {
		if aborted || ctx.Err() != nil {
			aborted = true
			invocations = append(invocations, &models.ToolInvocation{
				ToolUseID: use.ID,
				Name:      use.Name,
				StartedAt: timeNow(),
				EndedAt:   timeNow(),
				Result:    "session stopped before this tool ran",
				ErrorKind: string(tools.ErrExecution),
				IsError:   true,
			})
			continue
		}

		if inv, refused := l.guardDestructive(ctx, st, use); refused {
			invocations = append(invocations, inv)
			st.breaker.RecordResult(true)
			st.classifier.Record(inv)
			continue
		}

		l.emit(ctx, models.AgentEvent{
			Type: models.EventToolStarted, Time: timeNow(),
			ConversationID: in.ConversationID, SessionID: in.SessionID,
			Tool: &models.ToolPayload{ToolUseID: use.ID, Name: use.Name},
		})

		toolCtx, toolSpan := l.cfg.Tracer.TraceToolExecution(ctx, use.Name)
		inv := l.cfg.Executor.Execute(toolCtx, &tools.Call{
			ToolUseID:      use.ID,
			Name:           use.Name,
			Input:          use.Input,
			ConversationID: in.ConversationID,
			SessionID:      in.SessionID,
			UserID:         in.UserID,
			AgentID:        in.AgentID,
			Env:            in.Env,
		}, nil)
		l.cfg.Tracer.SetAttributes(toolSpan,
			"tool.is_error", inv.IsError,
			"tool.elapsed_ms", inv.Elapsed().Milliseconds())
		if inv.IsError {
			l.cfg.Tracer.SetAttributes(toolSpan, "tool.error_kind", inv.ErrorKind)
		}
		toolSpan.End()
		st.toolCalls++
		st.breaker.RecordResult(inv.IsError)
		st.classifier.Record(inv)
		invocations = append(invocations, inv)

		l.emit(ctx, models.AgentEvent{
			Type: models.EventToolFinished, Time: timeNow(),
			ConversationID: in.ConversationID, SessionID: in.SessionID,
			Tool: &models.ToolPayload{
				ToolUseID: inv.ToolUseID,
				Name:      inv.Name,
				IsError:   inv.IsError,
				ErrorKind: inv.ErrorKind,
				ElapsedMS: inv.Elapsed().Milliseconds(),
			},
		})
	}
	return invocations, aborted
}

// guardDestructive takes the lazy workspace snapshot before the first
// destructive call. A failed snapshot refuses the call rather than
// running it unprotected.
func (l *Loop) guardDestructive(ctx context.Context, st *runState, use models.Block) (*models.ToolInvocation, bool) {
	if st.snapshotTaken || l.cfg.Hooks.BeforeDestructive == nil {
		return nil, false
	}
	if l.cfg.Destructive == nil || !l.cfg.Destructive(use.Name) {
		return nil, false
	}
	if err := l.cfg.Hooks.BeforeDestructive(ctx); err != nil {
		l.logger.Error("workspace snapshot failed, refusing destructive call",
			"tool", use.Name, "error", err)
		now := timeNow()
		return &models.ToolInvocation{
			ToolUseID: use.ID,
			Name:      use.Name,
			StartedAt: now,
			EndedAt:   now,
			Result:    "workspace snapshot failed; destructive call refused: " + err.Error(),
			ErrorKind: string(tools.ErrExecution),
			IsError:   true,
		}, true
	}
	st.snapshotTaken = true
	return nil, false
}

// injectSteering appends queued user messages at the turn boundary so
// mid-run guidance reaches the next prompt instead of being rejected.
func (l *Loop) injectSteering(ctx context.Context, st *runState) {
	if l.cfg.Hooks.DrainSteering == nil {
		return
	}
	for _, text := range l.cfg.Hooks.DrainSteering() {
		if text == "" {
			continue
		}
		msg := models.NewUserMessage(st.in.ConversationID, text)
		st.working = append(st.working, msg)
		l.persist(ctx, st, msg)
	}
}

// confirmLongTask asks the user once whether a long run should continue.
func (l *Loop) confirmLongTask(ctx context.Context, st *runState) (TerminationReason, bool) {
	limit := l.cfg.Agent.LongTaskConfirmTurns
	if limit <= 0 || st.confirmAsked || st.turns < limit {
		return "", false
	}
	st.confirmAsked = true
	if l.cfg.Hooks.ConfirmContinue == nil {
		return "", false
	}
	payload := &models.ConfirmPayload{
		TurnCount: st.turns,
		Question:  fmt.Sprintf("This task has been running for %d turns. Keep going?", st.turns),
	}
	l.emit(ctx, models.AgentEvent{
		Type: models.EventLongRunningConfirm, Time: timeNow(),
		ConversationID: st.in.ConversationID, SessionID: st.in.SessionID,
		Confirm: payload,
	})
	proceed, err := l.cfg.Hooks.ConfirmContinue(ctx, payload)
	if err != nil || !proceed {
		return ReasonConfirmDenied, true
	}
	return "", false
}

// selectTools resolves the turn's tool set. A tripped level 1 breaker
// forces an empty set so the next turn is reflection only.
func (l *Loop) selectTools(ctx context.Context, st *runState) []*models.Capability {
	if st.reflectionOnly {
		return nil
	}
	if l.cfg.Selector == nil {
		return nil
	}
	return l.cfg.Selector.Select(ctx, st.in.AgentID, st.in.Intent, st.in.AllowedTools)
}

func (l *Loop) assemblyInput(st *runState, selected []*models.Capability) *contextpipe.Input {
	in := st.in
	var plan *models.Plan
	if in.Plan != nil {
		plan = in.Plan()
	}
	return &contextpipe.Input{
		ConversationID: in.ConversationID,
		AgentID:        in.AgentID,
		UserID:         in.UserID,
		Persona:        in.Persona,
		Tools:          selected,
		Skills:         in.Skills,
		History:        st.working,
		Intent:         in.Intent,
		Plan:           plan,
		RecentErrors:   st.recentErrors,
		Goal:           in.Goal,
		Turn:           st.turns,
		Now:            timeNow(),
		Session: &models.SessionInfo{
			SessionID:           in.SessionID,
			ConversationID:      in.ConversationID,
			AgentID:             in.AgentID,
			State:               models.SessionRunning,
			StartedAt:           in.StartedAt,
			TurnCount:           st.turns,
			ConsecutiveFailures: st.breaker.ConsecutiveFailures(),
			BacktrackCount:      st.breaker.Backtracks(),
		},
	}
}

// finish builds the terminal result and emits the closing note where the
// run ended abnormally.
func (l *Loop) finish(ctx context.Context, st *runState, reason TerminationReason, err error) *RunResult {
	state := reason.State()
	if err != nil {
		state = models.SessionError
		l.emit(ctx, models.NewErrorEvent(st.in.ConversationID, st.in.SessionID,
			"agent_error", err.Error(), false, err))
	}
	runSpan := trace.SpanFromContext(ctx)
	l.cfg.Tracer.SetAttributes(runSpan,
		"session.state", string(state),
		"session.reason", string(reason),
		"session.turns", st.turns,
		"session.tool_calls", st.toolCalls,
		"session.backtracks", st.breaker.Backtracks())
	l.cfg.Tracer.RecordError(runSpan, err)
	l.logger.Info("run finished",
		"session_id", st.in.SessionID,
		"state", string(state),
		"reason", string(reason),
		"turns", st.turns,
		"tool_calls", st.toolCalls,
		"backtracks", st.breaker.Backtracks())
	return &RunResult{
		State:               state,
		Reason:              reason,
		Err:                 err,
		Turns:               st.turns,
		Backtracks:          st.breaker.Backtracks(),
		ConsecutiveFailures: st.breaker.ConsecutiveFailures(),
		ToolCalls:           st.toolCalls,
		Usage:               st.usage,
		FinalText:           st.finalText,
	}
}

func (l *Loop) persist(ctx context.Context, st *runState, msg *models.Message) {
	// Persistence failures must not kill the run mid-stream; the working
	// transcript stays authoritative and the session surfaces the error.
	if err := l.cfg.Store.AppendMessages(ctx, st.in.ConversationID, []*models.Message{msg}); err != nil {
		l.logger.Error("persist message failed",
			"conversation_id", st.in.ConversationID, "error", err)
	}
}

func (l *Loop) note(ctx context.Context, st *runState, level, text string) {
	l.emit(ctx, models.AgentEvent{
		Type: models.EventNotification, Time: timeNow(),
		ConversationID: st.in.ConversationID, SessionID: st.in.SessionID,
		Note: &models.NotePayload{Level: level, Text: text},
	})
}

func (l *Loop) emit(ctx context.Context, e models.AgentEvent) {
	l.cfg.Sink.Emit(ctx, e)
	if l.cfg.Metrics != nil && e.Type.ClientVisible() {
		l.cfg.Metrics.RecordEventSent(string(e.Type))
	}
}

// toolDefs converts selected capabilities to provider tool definitions.
func toolDefs(caps []*models.Capability) []providers.ToolDef {
	if len(caps) == 0 {
		return nil
	}
	defs := make([]providers.ToolDef, 0, len(caps))
	for _, c := range caps {
		defs = append(defs, providers.ToolDef{
			Name:        c.Name,
			Description: c.Description,
			InputSchema: c.InputSchema,
		})
	}
	return defs
}

func appendBounded(list []*models.ToolInvocation, inv *models.ToolInvocation, max int) []*models.ToolInvocation {
	list = append(list, inv)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
