package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

type fakeHandler struct {
	cap *models.Capability
	fn  func(ctx context.Context, call *Call) (*Result, error)
}

func (h *fakeHandler) Capability() *models.Capability { return h.cap }

func (h *fakeHandler) Execute(ctx context.Context, call *Call) (*Result, error) {
	return h.fn(ctx, call)
}

type fakeStreamHandler struct {
	fakeHandler
	chunks []string
}

func (h *fakeStreamHandler) ExecuteStream(ctx context.Context, call *Call, yield func(string)) (*Result, error) {
	var full strings.Builder
	for _, chunk := range h.chunks {
		yield(chunk)
		full.WriteString(chunk)
	}
	return &Result{Content: full.String()}, nil
}

type fakeApprover struct {
	approve  bool
	requests []*models.HITLPayload
}

func (a *fakeApprover) Approve(ctx context.Context, req *models.HITLPayload) (bool, error) {
	a.requests = append(a.requests, req)
	return a.approve, nil
}

func executorConfig() config.ToolsConfig {
	return config.ToolsConfig{
		Execution: config.ExecutionConfig{
			Timeout:         2 * time.Second,
			Parallelism:     4,
			EndpointTimeout: 2 * time.Second,
		},
		Approval: config.ApprovalConfig{Default: "allow"},
		Guard:    config.GuardConfig{MaxChars: 10000},
	}
}

func newTestExecutor(t *testing.T, cfg config.ToolsConfig, approver Approver, handlers ...Handler) *Executor {
	t.Helper()
	reg := NewRegistry(nil)
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	guard, err := NewGuard(cfg.Guard)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return NewExecutor(cfg, reg, NewPolicy(cfg.Approval), guard, approver, nil, nil)
}

func echoHandler(name string) *fakeHandler {
	return &fakeHandler{
		cap: &models.Capability{Name: name, Kind: models.KindTool, Strategy: models.StrategyDirect},
		fn: func(ctx context.Context, call *Call) (*Result, error) {
			return &Result{Content: "echo: " + string(call.Input)}, nil
		},
	}
}

func TestExecuteSuccess(t *testing.T) {
	exec := newTestExecutor(t, executorConfig(), nil, echoHandler("echo"))
	inv := exec.Execute(context.Background(), &Call{ToolUseID: "tu-1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}, nil)
	if inv.IsError {
		t.Fatalf("unexpected error: %s", inv.Result)
	}
	if inv.Result != `echo: {"x":1}` {
		t.Errorf("result = %q", inv.Result)
	}
	if inv.ToolUseID != "tu-1" || inv.EndedAt.IsZero() {
		t.Errorf("invocation not filled: %+v", inv)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	exec := newTestExecutor(t, executorConfig(), nil)
	inv := exec.Execute(context.Background(), &Call{Name: "ghost"}, nil)
	if !inv.IsError || inv.ErrorKind != string(ErrNotFound) {
		t.Errorf("inv = %+v, want not_found error", inv)
	}
}

func TestExecuteValidatesInputSchema(t *testing.T) {
	h := echoHandler("strict")
	h.cap.InputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"count": {"type": "integer"}},
		"required": ["count"]
	}`)
	exec := newTestExecutor(t, executorConfig(), nil, h)

	inv := exec.Execute(context.Background(), &Call{Name: "strict", Input: json.RawMessage(`{"count":"three"}`)}, nil)
	if !inv.IsError || inv.ErrorKind != string(ErrValidation) {
		t.Errorf("inv = %+v, want validation_error", inv)
	}

	inv = exec.Execute(context.Background(), &Call{Name: "strict", Input: json.RawMessage(`{"count":3}`)}, nil)
	if inv.IsError {
		t.Errorf("valid input rejected: %s", inv.Result)
	}
}

func TestExecuteTimeout(t *testing.T) {
	cfg := executorConfig()
	cfg.Execution.Timeout = 30 * time.Millisecond
	slow := &fakeHandler{
		cap: &models.Capability{Name: "slow", Kind: models.KindTool, Strategy: models.StrategyDirect},
		fn: func(ctx context.Context, call *Call) (*Result, error) {
			select {
			case <-time.After(5 * time.Second):
				return &Result{Content: "done"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	exec := newTestExecutor(t, cfg, nil, slow)
	inv := exec.Execute(context.Background(), &Call{Name: "slow"}, nil)
	if !inv.IsError || inv.ErrorKind != string(ErrTimeout) {
		t.Errorf("inv = %+v, want timeout", inv)
	}
}

func TestExecutePolicyDeny(t *testing.T) {
	cfg := executorConfig()
	cfg.Approval.Denylist = []string{"echo"}
	exec := newTestExecutor(t, cfg, nil, echoHandler("echo"))
	inv := exec.Execute(context.Background(), &Call{Name: "echo"}, nil)
	if !inv.IsError || !strings.Contains(inv.Result, "blocked by approval policy") {
		t.Errorf("inv = %+v, want policy block", inv)
	}
	if !inv.SafetyRefusal {
		t.Error("policy block not flagged as a safety refusal")
	}
}

func TestExecuteApprovalFlow(t *testing.T) {
	cfg := executorConfig()
	cfg.Approval.RequireApproval = []string{"echo"}

	approver := &fakeApprover{approve: true}
	exec := newTestExecutor(t, cfg, approver, echoHandler("echo"))
	inv := exec.Execute(context.Background(), &Call{ToolUseID: "tu-9", Name: "echo", Input: json.RawMessage(`{}`)}, nil)
	if inv.IsError {
		t.Fatalf("approved call failed: %s", inv.Result)
	}
	if len(approver.requests) != 1 || approver.requests[0].ToolUseID != "tu-9" {
		t.Errorf("approver saw %+v", approver.requests)
	}

	rejecting := &fakeApprover{approve: false}
	exec = newTestExecutor(t, cfg, rejecting, echoHandler("echo"))
	inv = exec.Execute(context.Background(), &Call{Name: "echo"}, nil)
	if !inv.IsError || !strings.Contains(inv.Result, "rejected by user") {
		t.Errorf("inv = %+v, want rejection", inv)
	}
	if !inv.SafetyRefusal {
		t.Error("user rejection not flagged as a safety refusal")
	}
}

func TestExecuteNoApproverRejectsAsk(t *testing.T) {
	cfg := executorConfig()
	cfg.Approval.RequireApproval = []string{"echo"}
	exec := newTestExecutor(t, cfg, nil, echoHandler("echo"))
	inv := exec.Execute(context.Background(), &Call{Name: "echo"}, nil)
	if !inv.IsError {
		t.Errorf("ask without approver should reject, got %+v", inv)
	}
}

func TestExecuteProgrammaticEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	h := &fakeHandler{
		cap: &models.Capability{
			Name:     "remote",
			Kind:     models.KindTool,
			Strategy: models.StrategyProgrammatic,
			Endpoint: server.URL,
		},
		fn: func(ctx context.Context, call *Call) (*Result, error) {
			t.Fatal("direct handler must not run for programmatic strategy")
			return nil, nil
		},
	}
	exec := newTestExecutor(t, executorConfig(), nil, h)
	inv := exec.Execute(context.Background(), &Call{Name: "remote", Input: json.RawMessage(`{"q":"x"}`)}, nil)
	if inv.IsError {
		t.Fatalf("endpoint call failed: %s", inv.Result)
	}
	if inv.Result != `{"status":"ok"}` {
		t.Errorf("result = %q", inv.Result)
	}
}

func TestExecuteProgrammaticAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	h := &fakeHandler{
		cap: &models.Capability{
			Name:     "remote",
			Kind:     models.KindTool,
			Strategy: models.StrategyProgrammatic,
			Endpoint: server.URL,
		},
		fn: func(ctx context.Context, call *Call) (*Result, error) { return nil, nil },
	}
	exec := newTestExecutor(t, executorConfig(), nil, h)
	inv := exec.Execute(context.Background(), &Call{Name: "remote"}, nil)
	if !inv.IsError || inv.ErrorKind != string(ErrAuth) {
		t.Errorf("inv = %+v, want auth_failure", inv)
	}
}

func TestExecuteStreamingYieldsChunks(t *testing.T) {
	h := &fakeStreamHandler{
		fakeHandler: fakeHandler{
			cap: &models.Capability{Name: "streamy", Kind: models.KindTool, Strategy: models.StrategyStreaming},
			fn: func(ctx context.Context, call *Call) (*Result, error) {
				return &Result{Content: "fallback"}, nil
			},
		},
		chunks: []string{"first ", "second ", "third"},
	}
	exec := newTestExecutor(t, executorConfig(), nil, h)

	var got []string
	inv := exec.Execute(context.Background(), &Call{Name: "streamy"}, func(chunk string) {
		got = append(got, chunk)
	})
	if inv.IsError {
		t.Fatalf("stream failed: %s", inv.Result)
	}
	if len(got) != 3 || got[0] != "first " {
		t.Errorf("chunks = %v", got)
	}
	if inv.Result != "first second third" {
		t.Errorf("result = %q", inv.Result)
	}

	// Without a chunk callback the handler's plain path runs.
	inv = exec.Execute(context.Background(), &Call{Name: "streamy"}, nil)
	if inv.Result != "fallback" {
		t.Errorf("result without yield = %q", inv.Result)
	}
}

func TestExecuteGuardAppliedToResult(t *testing.T) {
	leaky := &fakeHandler{
		cap: &models.Capability{Name: "leaky", Kind: models.KindTool, Strategy: models.StrategyDirect},
		fn: func(ctx context.Context, call *Call) (*Result, error) {
			return &Result{Content: "key is sk-abcdefghijklmnopqrstuvwxyz123456"}, nil
		},
	}
	exec := newTestExecutor(t, executorConfig(), nil, leaky)
	inv := exec.Execute(context.Background(), &Call{Name: "leaky"}, nil)
	if strings.Contains(inv.Result, "sk-abcdef") {
		t.Errorf("secret survived the guard: %q", inv.Result)
	}
	if !strings.Contains(inv.Result, redactionText) {
		t.Errorf("result = %q, want redaction marker", inv.Result)
	}
}

func TestExecuteHandlerErrorIsCaptured(t *testing.T) {
	failing := &fakeHandler{
		cap: &models.Capability{Name: "flaky", Kind: models.KindTool, Strategy: models.StrategyDirect},
		fn: func(ctx context.Context, call *Call) (*Result, error) {
			return nil, newToolError(ErrAuth, "flaky", context.DeadlineExceeded)
		},
	}
	exec := newTestExecutor(t, executorConfig(), nil, failing)
	inv := exec.Execute(context.Background(), &Call{Name: "flaky"}, nil)
	if !inv.IsError || inv.ErrorKind != string(ErrAuth) {
		t.Errorf("inv = %+v, want the handler's declared kind", inv)
	}
}
