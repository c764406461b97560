package contextpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

func testContextConfig() config.ContextConfig {
	return config.ContextConfig{
		Budgets: config.BudgetConfig{
			Persona: 2000, Tools: 3000, Skills: 1000,
			Memory: 500, Knowledge: 800, Playbook: 300,
			Plan: 300, Errors: 300,
		},
		HistoryBudget: 40000,
		Compression:   config.CompressionConfig{ThresholdChars: 1500, SearchTopK: 5, FileHeadLines: 40, ExecTailLines: 40},
		Decay:         config.DecayConfig{KeepTurns: 8, FoldTurns: 12, SummaryBudget: 500},
		Tokenizer:     "cl100k_base",
	}
}

func testPipeline(cfg config.ContextConfig) *Pipeline {
	return New(cfg, Options{Counter: NewHeuristicCounter(), Logger: testLogger()})
}

func staticSource(text string, calls *int) SourceFunc {
	return func(context.Context, *Input) (string, error) {
		if calls != nil {
			*calls++
		}
		return text, nil
	}
}

func fullInput() *Input {
	return &Input{
		ConversationID: "conv-1",
		AgentID:        "agent-1",
		Persona:        "You are Petrel, a careful local-first assistant.",
		Tools: []*models.Capability{
			{Name: "calculator", Description: "Evaluates arithmetic.", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		Skills: []*models.Capability{
			{Name: "tone", Kind: models.KindSkill, Instructions: "Keep answers brief."},
		},
		History: []*models.Message{
			decayMsg("u1", models.RoleUser, models.TextBlock("hello")),
		},
		Plan: &models.Plan{Nodes: []models.TodoNode{
			{ID: "n1", Content: "gather data", Status: models.TodoCompleted, Result: "3 sources found"},
			{ID: "n2", Content: "write summary", Status: models.TodoInProgress},
		}},
		RecentErrors: []*models.ToolInvocation{
			{Name: "web_search", IsError: true, ErrorKind: "timeout", Result: "context deadline exceeded"},
		},
		Goal: GoalState{Goal: "finish the report", NextStep: "write summary"},
		Turn: 0,
	}
}

func TestAssembleOrdersFragments(t *testing.T) {
	p := testPipeline(testContextConfig())
	p.RegisterBuiltin(
		staticSource("remembered: user prefers short answers", nil),
		staticSource("knowledge: the report covers Q2", nil),
		staticSource("playbook: clarify scope before writing", nil),
	)

	asm, err := p.Assemble(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	wantOrder := []string{"persona", "tools", "skills", "memory", "knowledge", "playbook", "plan", "recent_errors", "goal"}
	if len(asm.Fragments) != len(wantOrder) {
		names := make([]string, len(asm.Fragments))
		for i, f := range asm.Fragments {
			names[i] = f.Name
		}
		t.Fatalf("fragments = %v, want %v", names, wantOrder)
	}
	for i, want := range wantOrder {
		if asm.Fragments[i].Name != want {
			t.Errorf("fragment %d = %s, want %s", i, asm.Fragments[i].Name, want)
		}
	}

	// System carries phases 1-3 in order; the goal goes to the user tail.
	marks := []string{
		"You are Petrel",
		"# Available tools",
		"# Active skills",
		"remembered:",
		"knowledge:",
		"playbook:",
		"# Plan (1/2 done)",
		"# Recent tool failures",
	}
	last := -1
	for _, m := range marks {
		idx := strings.Index(asm.System, m)
		if idx < 0 {
			t.Fatalf("system prompt missing %q:\n%s", m, asm.System)
		}
		if idx < last {
			t.Errorf("%q out of order", m)
		}
		last = idx
	}
	if strings.Contains(asm.System, "--- Current focus ---") {
		t.Error("goal restatement belongs in the user tail, not the system prompt")
	}

	lastUser := asm.Messages[len(asm.Messages)-1]
	if !strings.Contains(lastUser.Text(), "--- Current focus ---") ||
		!strings.Contains(lastUser.Text(), "Goal: finish the report") {
		t.Errorf("goal not appended to last user message: %q", lastUser.Text())
	}
}

func TestAssembleSkipMemory(t *testing.T) {
	p := testPipeline(testContextConfig())
	var memCalls, knowCalls, playCalls int
	p.RegisterBuiltin(
		staticSource("memory text", &memCalls),
		staticSource("knowledge text", &knowCalls),
		staticSource("playbook text", &playCalls),
	)

	in := fullInput()
	in.Intent = &models.IntentResult{SkipMemory: true}

	asm, err := p.Assemble(context.Background(), in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if memCalls != 0 || knowCalls != 0 {
		t.Errorf("memory sources called despite skip signal: mem=%d know=%d", memCalls, knowCalls)
	}
	if playCalls != 1 {
		t.Errorf("playbook source calls = %d, want 1", playCalls)
	}
	for _, f := range asm.Fragments {
		if f.Name == "memory" || f.Name == "knowledge" {
			t.Errorf("fragment %s present despite skip signal", f.Name)
		}
	}
}

func TestAssembleBudgetTruncation(t *testing.T) {
	p := testPipeline(testContextConfig())
	p.Register(&PersonaInjector{Budget: 5})

	in := fullInput()
	in.Persona = strings.Repeat("p", 400)

	asm, err := p.Assemble(context.Background(), in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(asm.Fragments) != 1 {
		t.Fatalf("fragments = %d, want 1", len(asm.Fragments))
	}
	f := asm.Fragments[0]
	if !f.Truncated {
		t.Error("oversized persona not marked truncated")
	}
	if f.Tokens > 5 {
		t.Errorf("fragment counts %d tokens, budget 5", f.Tokens)
	}
	if !strings.HasSuffix(f.Text, "\n[truncated]") {
		t.Errorf("missing truncation marker: %q", f.Text)
	}
}

func TestAssembleHistoryBudget(t *testing.T) {
	cfg := testContextConfig()
	cfg.HistoryBudget = 40
	p := testPipeline(cfg)

	// Each turn is 16 tokens: two messages of 4 framing + 4 text tokens.
	var history []*models.Message
	for i := 1; i <= 4; i++ {
		history = append(history,
			decayMsg(fmt.Sprintf("hu%d", i), models.RoleUser, models.TextBlock(strings.Repeat("u", 16))),
			decayMsg(fmt.Sprintf("ha%d", i), models.RoleAssistant, models.TextBlock(strings.Repeat("a", 16))),
		)
	}

	in := &Input{History: history}
	asm, err := p.Assemble(context.Background(), in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(asm.Messages) != 4 {
		t.Fatalf("kept %d messages, want 4 (two newest turns)", len(asm.Messages))
	}
	if asm.Messages[0].ID != "hu3" {
		t.Errorf("oldest kept = %s, want hu3", asm.Messages[0].ID)
	}
	if asm.HistoryTokens != 32 {
		t.Errorf("HistoryTokens = %d, want 32", asm.HistoryTokens)
	}
	if len(history) != 8 {
		t.Error("input history mutated")
	}
}

func TestAssembleKeepsNewestOverBudgetTurn(t *testing.T) {
	cfg := testContextConfig()
	cfg.HistoryBudget = 10
	p := testPipeline(cfg)

	in := &Input{History: []*models.Message{
		decayMsg("u1", models.RoleUser, models.TextBlock(strings.Repeat("x", 400))),
	}}
	asm, err := p.Assemble(context.Background(), in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(asm.Messages) != 1 {
		t.Fatal("the only turn must survive even over budget")
	}
	if asm.HistoryTokens <= cfg.HistoryBudget {
		t.Errorf("HistoryTokens = %d, expected over budget", asm.HistoryTokens)
	}
}

func TestAssembleStableSystem(t *testing.T) {
	p := testPipeline(testContextConfig())
	p.RegisterBuiltin(nil, nil, nil)

	in1 := fullInput()
	in1.Tools = []*models.Capability{
		{Name: "beta", InputSchema: json.RawMessage(`{"b":2,"a":1}`), Status: models.StatusReady},
		{Name: "alpha", InputSchema: json.RawMessage(`{"x":1}`)},
	}
	in2 := fullInput()
	in2.Tools = []*models.Capability{
		{Name: "alpha", InputSchema: json.RawMessage(`{"x":1}`)},
		{Name: "beta", InputSchema: json.RawMessage(`{"a":1,"b":2}`), Status: models.StatusUnavailable},
	}

	first, err := p.Assemble(context.Background(), in1)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	second, err := p.Assemble(context.Background(), in2)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if first.System != second.System {
		t.Error("system prompt must be byte-stable across tool order, schema key order and probe status")
	}
}

type failingInjector struct{}

func (failingInjector) Descriptor() Descriptor {
	return Descriptor{Name: "broken", Phase: PhaseUserContext, Priority: 5}
}

func (failingInjector) Inject(context.Context, *Input) (string, error) {
	return "", errors.New("source down")
}

func TestAssembleSkipsFailingInjector(t *testing.T) {
	p := testPipeline(testContextConfig())
	p.Register(failingInjector{}, &PersonaInjector{Budget: 100})

	asm, err := p.Assemble(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(asm.Fragments) != 1 || asm.Fragments[0].Name != "persona" {
		t.Errorf("fragments = %+v", asm.Fragments)
	}
}

func TestAssembleNilInput(t *testing.T) {
	p := testPipeline(testContextConfig())
	if _, err := p.Assemble(context.Background(), nil); err == nil {
		t.Fatal("nil input must error")
	}
}

func TestAssembleGoalCopyOnWrite(t *testing.T) {
	p := testPipeline(testContextConfig())
	p.Register(&GoalInjector{})

	in := fullInput()
	in.History = []*models.Message{
		decayMsg("u1", models.RoleUser, models.TextBlock("start the report")),
		decayMsg("a1", models.RoleAssistant, models.TextBlock("working on it")),
	}

	asm, err := p.Assemble(context.Background(), in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	// The goal lands on the last user message, a copy of it.
	if got := asm.Messages[0].Blocks; len(got) != 2 {
		t.Fatalf("goal message has %d blocks, want 2", len(got))
	}
	if !strings.HasPrefix(asm.Messages[0].Blocks[1].Text, "\n\n---") {
		t.Errorf("appended block needs a separator: %q", asm.Messages[0].Blocks[1].Text)
	}
	if len(in.History[0].Blocks) != 1 {
		t.Error("input history mutated")
	}
	if asm.Messages[1] != in.History[1] {
		t.Error("unchanged messages must be shared")
	}
}

func TestAssembleGoalNoUserMessage(t *testing.T) {
	p := testPipeline(testContextConfig())
	p.Register(&GoalInjector{})

	in := fullInput()
	in.History = []*models.Message{
		decayMsg("a1", models.RoleAssistant, models.TextBlock("unprompted")),
	}

	asm, err := p.Assemble(context.Background(), in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(asm.Messages) != 1 || len(asm.Messages[0].Blocks) != 1 {
		t.Error("goal must be dropped when no user message exists")
	}
}

func TestAssemblyTotalTokens(t *testing.T) {
	p := testPipeline(testContextConfig())
	p.RegisterBuiltin(
		staticSource("memory text", nil),
		staticSource("knowledge text", nil),
		staticSource("playbook text", nil),
	)

	asm, err := p.Assemble(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	sum := asm.HistoryTokens
	budgets := map[string]int{
		"persona": 2000, "tools": 3000, "skills": 1000,
		"memory": 500, "knowledge": 800, "playbook": 300,
		"plan": 300, "recent_errors": 300,
	}
	for _, f := range asm.Fragments {
		sum += f.Tokens
		if budget, ok := budgets[f.Name]; ok && f.Tokens > budget {
			t.Errorf("fragment %s counts %d tokens, budget %d", f.Name, f.Tokens, budget)
		}
	}
	if asm.TotalTokens() != sum {
		t.Errorf("TotalTokens = %d, want %d", asm.TotalTokens(), sum)
	}
}
