package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petrelhq/petrel/internal/capability"
	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/contextpipe"
	"github.com/petrelhq/petrel/internal/providers"
	"github.com/petrelhq/petrel/internal/store"
	"github.com/petrelhq/petrel/internal/tools"
	"github.com/petrelhq/petrel/pkg/models"
)

// scriptedAdapter replays one delta script per Send call and records the
// requests it saw.
type scriptedAdapter struct {
	mu      sync.Mutex
	scripts [][]models.Delta
	reqs    []*providers.Request
	sendErr error
}

func (a *scriptedAdapter) Name() string                                    { return "scripted" }
func (a *scriptedAdapter) Probe(context.Context) bool                      { return true }
func (a *scriptedAdapter) FilterTools(t []providers.ToolDef) []providers.ToolDef { return t }

func (a *scriptedAdapter) Send(_ context.Context, req *providers.Request) (<-chan models.Delta, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	a.reqs = append(a.reqs, req.Clone())
	if len(a.scripts) == 0 {
		return deltaChan(textDeltas("nothing left to do", models.StopEndTurn)...), nil
	}
	script := a.scripts[0]
	a.scripts = a.scripts[1:]
	return deltaChan(script...), nil
}

func (a *scriptedAdapter) requests() []*providers.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*providers.Request(nil), a.reqs...)
}

func textDeltas(text string, stop models.StopReason) []models.Delta {
	return []models.Delta{
		{Kind: models.DeltaMessageStart, Usage: &models.TokenUsage{InputTokens: 10}},
		{Kind: models.DeltaContentStart, Index: 0, Block: &models.Block{Type: models.BlockText}},
		{Kind: models.DeltaContentDelta, Index: 0, Text: text},
		{Kind: models.DeltaContentStop, Index: 0},
		{Kind: models.DeltaMessageStop, StopReason: stop, Usage: &models.TokenUsage{OutputTokens: 5}},
	}
}

func toolDeltas(id, name, input string) []models.Delta {
	return []models.Delta{
		{Kind: models.DeltaMessageStart},
		{Kind: models.DeltaContentStart, Index: 0, Block: &models.Block{Type: models.BlockToolUse, ID: id, Name: name}},
		{Kind: models.DeltaContentDelta, Index: 0, PartialJSON: input},
		{Kind: models.DeltaContentStop, Index: 0},
		{Kind: models.DeltaMessageStop, StopReason: models.StopToolUse},
	}
}

// flakyHandler fails a scripted number of times before succeeding.
type flakyHandler struct {
	cap      *models.Capability
	failures int
	calls    int
	failWith error
}

func (h *flakyHandler) Capability() *models.Capability { return h.cap }

func (h *flakyHandler) Execute(_ context.Context, _ *tools.Call) (*tools.Result, error) {
	h.calls++
	if h.calls <= h.failures {
		if h.failWith != nil {
			return nil, h.failWith
		}
		return &tools.Result{Content: "exit status 1", IsError: true}, nil
	}
	return &tools.Result{Content: "ok"}, nil
}

func levelOneCap(name string) *models.Capability {
	return &models.Capability{
		Name:     name,
		Kind:     models.KindTool,
		Level:    1,
		Strategy: models.StrategyDirect,
	}
}

type loopFixture struct {
	adapter  *scriptedAdapter
	store    *store.MemoryStore
	sink     *recordingSink
	caps     *capability.Registry
	registry *tools.Registry
	cfg      Config
}

func newLoopFixture(t *testing.T, scripts [][]models.Delta, handlers ...tools.Handler) *loopFixture {
	t.Helper()
	f := &loopFixture{
		adapter: &scriptedAdapter{scripts: scripts},
		store:   store.NewMemoryStore(),
		sink:    &recordingSink{},
		caps:    capability.NewRegistry(capability.Options{}),
	}
	if err := f.store.EnsureConversation(context.Background(), "conv-1", "user-1"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	f.registry = tools.NewRegistry(f.caps)
	for _, h := range handlers {
		if err := f.registry.Register(h); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	toolsCfg := config.ToolsConfig{
		Execution: config.ExecutionConfig{Timeout: 2 * time.Second, Parallelism: 4, EndpointTimeout: time.Second},
		Approval:  config.ApprovalConfig{Default: "allow"},
		Guard:     config.GuardConfig{MaxChars: 10000},
	}
	guard, err := tools.NewGuard(toolsCfg.Guard)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	executor := tools.NewExecutor(toolsCfg, f.registry, tools.NewPolicy(toolsCfg.Approval), guard, nil, nil, nil)

	pipeline := contextpipe.New(config.ContextConfig{
		Budgets: config.BudgetConfig{
			Persona: 2000, Tools: 3000, Skills: 1000,
			Memory: 500, Knowledge: 800, Playbook: 300,
			Plan: 300, Errors: 300,
		},
		HistoryBudget: 40000,
		Compression:   config.CompressionConfig{ThresholdChars: 100000},
		Decay:         config.DecayConfig{KeepTurns: 50, FoldTurns: 60, SummaryBudget: 500},
	}, contextpipe.Options{Counter: contextpipe.NewHeuristicCounter()})

	f.cfg = Config{
		Adapter:  f.adapter,
		Pipeline: pipeline,
		Selector: tools.NewSelector(f.caps),
		Executor: executor,
		Store:    f.store,
		Agent: config.AgentConfig{
			MaxTurns:         30,
			MaxDuration:     30 * time.Minute,
			FailureThreshold: 3,
			BacktrackLimit:   5,
		},
		Model: "test-model",
		Sink:  f.sink,
	}
	return f
}

func (f *loopFixture) run(t *testing.T, mutate func(*Config), in *RunInput) *RunResult {
	t.Helper()
	cfg := f.cfg
	if mutate != nil {
		mutate(&cfg)
	}
	loop, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if in == nil {
		in = &RunInput{}
	}
	if in.ConversationID == "" {
		in.ConversationID = "conv-1"
	}
	if in.SessionID == "" {
		in.SessionID = "sess-1"
	}
	if len(in.History) == 0 {
		in.History = []*models.Message{models.NewUserMessage(in.ConversationID, "do the thing")}
	}
	res, err := loop.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func (f *loopFixture) persisted(t *testing.T) []*models.Message {
	t.Helper()
	msgs, _, _, err := f.store.ReadMessages(context.Background(), "conv-1", 100, "")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	return msgs
}

func TestRunCompletesOnEndTurn(t *testing.T) {
	f := newLoopFixture(t, [][]models.Delta{
		textDeltas("All done.", models.StopEndTurn),
	})
	res := f.run(t, nil, nil)

	if res.State != models.SessionCompleted || res.Reason != ReasonEndTurn {
		t.Fatalf("result = %+v", res)
	}
	if res.FinalText != "All done." {
		t.Errorf("final text = %q", res.FinalText)
	}
	if res.Usage.Total() == 0 {
		t.Error("usage not accumulated")
	}

	msgs := f.persisted(t)
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Fatalf("persisted = %+v", msgs)
	}

	types := f.sink.types()
	var visible []models.EventType
	for _, tp := range types {
		if tp.ClientVisible() {
			visible = append(visible, tp)
		}
	}
	want := []models.EventType{
		models.EventMessageStart, models.EventContentStart,
		models.EventContentDelta, models.EventContentStop, models.EventMessageStop,
	}
	if len(visible) != len(want) {
		t.Fatalf("visible events = %v", visible)
	}
	for i := range want {
		if visible[i] != want[i] {
			t.Fatalf("visible events = %v, want %v", visible, want)
		}
	}
}

func TestRunExecutesToolsThenCompletes(t *testing.T) {
	h := &flakyHandler{cap: levelOneCap("probe"), failures: 0}
	f := newLoopFixture(t, [][]models.Delta{
		toolDeltas("tu-1", "probe", `{"target":"db"}`),
		textDeltas("The probe succeeded.", models.StopEndTurn),
	}, h)
	res := f.run(t, nil, nil)

	if res.State != models.SessionCompleted {
		t.Fatalf("result = %+v", res)
	}
	if res.Turns != 2 || res.ToolCalls != 1 {
		t.Errorf("turns = %d tool calls = %d", res.Turns, res.ToolCalls)
	}

	msgs := f.persisted(t)
	if len(msgs) != 3 {
		t.Fatalf("persisted %d messages", len(msgs))
	}
	if len(msgs[0].ToolUses()) != 1 {
		t.Errorf("assistant message = %+v", msgs[0])
	}
	results := msgs[1].ToolResults()
	if len(results) != 1 || results[0].Content != "ok" || results[0].IsError {
		t.Errorf("tool result = %+v", results)
	}

	// The second request carries the tool pair for the model to read.
	reqs := f.adapter.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if len(reqs[1].Messages) < 3 {
		t.Errorf("second prompt history too short: %d", len(reqs[1].Messages))
	}
	// Level 1 tools are offered on every non-reflection turn.
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "probe" {
		t.Errorf("tools = %+v", reqs[0].Tools)
	}
}

func TestRunTransientErrorContinuesAndRecovers(t *testing.T) {
	h := &flakyHandler{cap: levelOneCap("probe"), failures: 1}
	f := newLoopFixture(t, [][]models.Delta{
		toolDeltas("tu-1", "probe", `{}`),
		toolDeltas("tu-2", "probe", `{}`),
		textDeltas("Recovered.", models.StopEndTurn),
	}, h)
	res := f.run(t, nil, nil)

	if res.State != models.SessionCompleted || res.Reason != ReasonEndTurn {
		t.Fatalf("result = %+v", res)
	}
	if res.Backtracks != 0 {
		t.Errorf("backtracks = %d, want 0", res.Backtracks)
	}
	if res.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after recovery", res.ConsecutiveFailures)
	}

	// The error is persisted truthfully even though the run recovered.
	msgs := f.persisted(t)
	sawError := false
	for _, m := range msgs {
		for _, r := range m.ToolResults() {
			if r.IsError {
				sawError = true
			}
		}
	}
	if !sawError {
		t.Error("failed tool result missing from history")
	}
}

func TestRunBacktracksOnRepeatedFailure(t *testing.T) {
	boom := errors.New("connection reset by peer: 10.0.0.7")
	h := &flakyHandler{cap: levelOneCap("probe"), failures: 2, failWith: boom}
	f := newLoopFixture(t, [][]models.Delta{
		toolDeltas("tu-1", "probe", `{}`),
		toolDeltas("tu-2", "probe", `{}`),
		textDeltas("Trying something else worked.", models.StopEndTurn),
	}, h)
	res := f.run(t, nil, nil)

	if res.State != models.SessionCompleted {
		t.Fatalf("result = %+v", res)
	}
	if res.Backtracks != 1 {
		t.Errorf("backtracks = %d, want 1", res.Backtracks)
	}

	// After the backtrack, the next prompt contains the reflection and no
	// verbatim copy of the failed exchange.
	reqs := f.adapter.requests()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d", len(reqs))
	}
	last := reqs[2]
	sawReflection := false
	for _, m := range last.Messages {
		for _, b := range m.Blocks {
			if strings.Contains(b.Text, "connection reset") || strings.Contains(b.Content, "connection reset") {
				t.Fatalf("failed tool text leaked into prompt: %+v", b)
			}
			if strings.Contains(b.Text, "attempting a different approach") {
				sawReflection = true
			}
		}
	}
	if !sawReflection {
		t.Error("reflection block missing from cleaned prompt")
	}

	// Persisted history keeps the unedited failures for audit.
	msgs := f.persisted(t)
	verbatim := 0
	for _, m := range msgs {
		for _, r := range m.ToolResults() {
			if strings.Contains(r.Content, "connection reset") {
				verbatim++
			}
		}
	}
	if verbatim != 2 {
		t.Errorf("persisted failures = %d, want 2", verbatim)
	}
}

func TestRunForcesReflectionTurnAfterConsecutiveFailures(t *testing.T) {
	// Three different tools fail once each: no single failure repeats, so
	// the classifier keeps continuing, but the level 1 breaker trips.
	a := &flakyHandler{cap: levelOneCap("alpha"), failures: 99}
	b := &flakyHandler{cap: levelOneCap("beta"), failures: 99}
	c := &flakyHandler{cap: levelOneCap("gamma"), failures: 99}
	f := newLoopFixture(t, [][]models.Delta{
		toolDeltas("tu-1", "alpha", `{}`),
		toolDeltas("tu-2", "beta", `{}`),
		toolDeltas("tu-3", "gamma", `{}`),
		textDeltas("Let me reconsider the approach.", models.StopEndTurn),
	}, a, b, c)
	res := f.run(t, nil, nil)

	if res.State != models.SessionCompleted {
		t.Fatalf("result = %+v", res)
	}
	reqs := f.adapter.requests()
	if len(reqs) != 4 {
		t.Fatalf("requests = %d", len(reqs))
	}
	for i := 0; i < 3; i++ {
		if len(reqs[i].Tools) == 0 {
			t.Errorf("request %d should offer tools", i)
		}
	}
	if len(reqs[3].Tools) != 0 {
		t.Errorf("reflection turn still offers tools: %+v", reqs[3].Tools)
	}
}

func TestRunTerminatesAtBacktrackLimit(t *testing.T) {
	h := &flakyHandler{cap: levelOneCap("probe"), failures: 99}
	scripts := make([][]models.Delta, 0, 4)
	for i := 0; i < 4; i++ {
		scripts = append(scripts, toolDeltas("tu-"+string(rune('a'+i)), "probe", `{}`))
	}
	f := newLoopFixture(t, scripts, h)
	res := f.run(t, func(cfg *Config) {
		cfg.Agent.FailureThreshold = 10 // keep level 1 out of the way
		cfg.Agent.BacktrackLimit = 2
	}, nil)

	if res.State != models.SessionError || res.Reason != ReasonBacktrackLimit {
		t.Fatalf("result = %+v", res)
	}
	if res.Backtracks != 2 {
		t.Errorf("backtracks = %d, want 2", res.Backtracks)
	}
	// The partial-result summary reaches the client.
	found := false
	for _, e := range f.sink.events {
		if e.Type == models.EventNotification && e.Note != nil &&
			strings.Contains(e.Note.Text, "backtracks") {
			found = true
		}
	}
	if !found {
		t.Error("partial summary notification missing")
	}
}

func TestRunEscalatesBlockedDestructiveTool(t *testing.T) {
	h := &flakyHandler{cap: levelOneCap("wipe"), failures: 0}
	h.cap.Destructive = true
	decisions := []*models.HITLPayload{}
	f := newLoopFixture(t, [][]models.Delta{
		toolDeltas("tu-1", "wipe", `{}`),
	}, h)
	res := f.run(t, func(cfg *Config) {
		// Policy denies the tool outright; the loop escalates the refusal.
		toolsCfg := config.ToolsConfig{
			Execution: config.ExecutionConfig{Timeout: 2 * time.Second, Parallelism: 4, EndpointTimeout: time.Second},
			Approval:  config.ApprovalConfig{Default: "allow", Denylist: []string{"wipe"}},
			Guard:     config.GuardConfig{MaxChars: 10000},
		}
		guard, _ := tools.NewGuard(toolsCfg.Guard)
		cfg.Executor = tools.NewExecutor(toolsCfg, f.registry, tools.NewPolicy(toolsCfg.Approval), guard, nil, nil, nil)
		cfg.Destructive = func(name string) bool { return name == "wipe" }
		cfg.Hooks.Escalate = func(_ context.Context, req *models.HITLPayload) (bool, error) {
			decisions = append(decisions, req)
			return false, nil
		}
	}, nil)

	if res.State != models.SessionStopped || res.Reason != ReasonHITLAbort {
		t.Fatalf("result = %+v", res)
	}
	if len(decisions) != 1 || decisions[0].ToolName != "wipe" {
		t.Errorf("escalation = %+v", decisions)
	}
}

func TestRunSnapshotsBeforeFirstDestructiveCall(t *testing.T) {
	h := &flakyHandler{cap: levelOneCap("writer"), failures: 0}
	h.cap.Destructive = true
	snapshots := 0
	f := newLoopFixture(t, [][]models.Delta{
		toolDeltas("tu-1", "writer", `{}`),
		toolDeltas("tu-2", "writer", `{}`),
		textDeltas("done", models.StopEndTurn),
	}, h)
	res := f.run(t, func(cfg *Config) {
		cfg.Destructive = func(name string) bool { return name == "writer" }
		cfg.Hooks.BeforeDestructive = func(context.Context) error {
			snapshots++
			return nil
		}
	}, nil)

	if res.State != models.SessionCompleted {
		t.Fatalf("result = %+v", res)
	}
	if snapshots != 1 {
		t.Errorf("snapshots = %d, want exactly 1", snapshots)
	}
}

func TestRunRefusesDestructiveCallWhenSnapshotFails(t *testing.T) {
	h := &flakyHandler{cap: levelOneCap("writer"), failures: 0}
	h.cap.Destructive = true
	f := newLoopFixture(t, [][]models.Delta{
		toolDeltas("tu-1", "writer", `{}`),
		textDeltas("understood", models.StopEndTurn),
	}, h)
	res := f.run(t, func(cfg *Config) {
		cfg.Destructive = func(name string) bool { return name == "writer" }
		cfg.Hooks.BeforeDestructive = func(context.Context) error {
			return errors.New("disk full")
		}
	}, nil)

	if res.State != models.SessionCompleted {
		t.Fatalf("result = %+v", res)
	}
	if h.calls != 0 {
		t.Errorf("destructive tool ran %d times without a snapshot", h.calls)
	}
	msgs := f.persisted(t)
	refused := false
	for _, m := range msgs {
		for _, r := range m.ToolResults() {
			if r.IsError && strings.Contains(r.Content, "snapshot failed") {
				refused = true
			}
		}
	}
	if !refused {
		t.Error("refusal not reported to the model")
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	f := newLoopFixture(t, [][]models.Delta{
		textDeltas("never sent", models.StopEndTurn),
	})
	loop, err := New(f.cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := loop.Run(ctx, &RunInput{
		ConversationID: "conv-1",
		SessionID:      "sess-1",
		History:        []*models.Message{models.NewUserMessage("conv-1", "hi")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != models.SessionStopped || res.Reason != ReasonUserStop {
		t.Errorf("result = %+v", res)
	}
	if len(f.adapter.requests()) != 0 {
		t.Error("cancelled run still called the provider")
	}
}

func TestRunHonorsWantsToStop(t *testing.T) {
	f := newLoopFixture(t, nil)
	res := f.run(t, nil, &RunInput{
		Intent: &models.IntentResult{WantsToStop: true},
	})
	if res.State != models.SessionCompleted || res.Reason != ReasonWantsToStop {
		t.Fatalf("result = %+v", res)
	}
	if res.Turns != 0 || len(f.adapter.requests()) != 0 {
		t.Error("stop intent still consumed a turn")
	}
}

func TestRunInjectsSteeringAtTurnBoundary(t *testing.T) {
	h := &flakyHandler{cap: levelOneCap("probe"), failures: 0}
	f := newLoopFixture(t, [][]models.Delta{
		toolDeltas("tu-1", "probe", `{}`),
		textDeltas("Checked the logs too.", models.StopEndTurn),
	}, h)
	queued := []string{"also check the logs"}
	res := f.run(t, func(cfg *Config) {
		cfg.Hooks.DrainSteering = func() []string {
			out := queued
			queued = nil
			return out
		}
	}, nil)

	if res.State != models.SessionCompleted {
		t.Fatalf("result = %+v", res)
	}
	reqs := f.adapter.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	sawSteer := false
	for _, m := range reqs[0].Messages {
		for _, b := range m.Blocks {
			if strings.Contains(b.Text, "also check the logs") {
				sawSteer = true
			}
		}
	}
	if !sawSteer {
		t.Error("steering text missing from the next prompt")
	}
	persisted := false
	for _, m := range f.persisted(t) {
		if m.Role == models.RoleUser && strings.Contains(m.Text(), "also check the logs") {
			persisted = true
		}
	}
	if !persisted {
		t.Error("steering message not persisted")
	}
}

func TestRunAsksBeforeContinuingLongTask(t *testing.T) {
	h := &flakyHandler{cap: levelOneCap("probe"), failures: 0}
	f := newLoopFixture(t, [][]models.Delta{
		toolDeltas("tu-1", "probe", `{}`),
		textDeltas("never reached", models.StopEndTurn),
	}, h)
	asked := 0
	res := f.run(t, func(cfg *Config) {
		cfg.Agent.LongTaskConfirmTurns = 1
		cfg.Hooks.ConfirmContinue = func(_ context.Context, req *models.ConfirmPayload) (bool, error) {
			asked++
			if req.TurnCount != 1 {
				t.Errorf("turn count = %d", req.TurnCount)
			}
			return false, nil
		}
	}, nil)

	if res.State != models.SessionStopped || res.Reason != ReasonConfirmDenied {
		t.Fatalf("result = %+v", res)
	}
	if asked != 1 {
		t.Errorf("asked = %d", asked)
	}
}

func TestRunMaxTurnsCompletesWithBudgetExhausted(t *testing.T) {
	h := &flakyHandler{cap: levelOneCap("probe"), failures: 0}
	scripts := make([][]models.Delta, 0, 6)
	for i := 0; i < 6; i++ {
		scripts = append(scripts, toolDeltas("tu-"+string(rune('a'+i)), "probe", `{}`))
	}
	f := newLoopFixture(t, scripts, h)
	res := f.run(t, func(cfg *Config) {
		cfg.Agent.MaxTurns = 5
	}, &RunInput{
		Intent: &models.IntentResult{Complexity: models.ComplexityComplex},
	})
	if res.Reason != ReasonMaxTurns || res.State != models.SessionCompleted {
		t.Fatalf("result = %+v", res)
	}
	if res.Turns != 5 {
		t.Errorf("turns = %d, want 5", res.Turns)
	}
}

func TestRunSurfacesProviderFailure(t *testing.T) {
	f := newLoopFixture(t, nil)
	f.adapter.sendErr = errors.New("no providers available")
	res := f.run(t, nil, nil)
	if res.State != models.SessionError || res.Reason != ReasonStreamError {
		t.Fatalf("result = %+v", res)
	}
	if res.Err == nil {
		t.Error("error not propagated in result")
	}
	sawError := false
	for _, e := range f.sink.events {
		if e.Type == models.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("error event not emitted")
	}
}

func TestRunValidatesInput(t *testing.T) {
	f := newLoopFixture(t, nil)
	loop, err := New(f.cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := loop.Run(context.Background(), nil); err == nil {
		t.Error("nil input accepted")
	}
	if _, err := loop.Run(context.Background(), &RunInput{}); err == nil {
		t.Error("missing conversation id accepted")
	}
}

func TestToolDefsCarrySchemas(t *testing.T) {
	schema := json.RawMessage(`{"type":"object"}`)
	defs := toolDefs([]*models.Capability{
		{Name: "probe", Description: "probe things", InputSchema: schema},
	})
	if len(defs) != 1 || defs[0].Name != "probe" || string(defs[0].InputSchema) != string(schema) {
		t.Errorf("defs = %+v", defs)
	}
}
