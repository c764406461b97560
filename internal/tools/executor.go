package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/pkg/models"
)

// Approver resolves "ask" decisions by consulting the user. The session
// layer implements it as the one-slot HITL rendezvous; a nil approver
// downgrades every ask to a rejection.
type Approver interface {
	Approve(ctx context.Context, req *models.HITLPayload) (bool, error)
}

// Executor runs tool calls: resolve, validate, approve, dispatch by
// strategy, guard the result. Failures never escape as errors; every
// call produces a ToolInvocation whose IsError/ErrorKind carry the
// outcome.
type Executor struct {
	cfg      config.ToolsConfig
	registry *Registry
	policy   *Policy
	guard    *Guard
	approver Approver
	metrics  *observability.Metrics
	logger   *slog.Logger

	// sem caps concurrent executions across all sessions.
	sem    chan struct{}
	client *http.Client

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

func NewExecutor(cfg config.ToolsConfig, registry *Registry, policy *Policy, guard *Guard, approver Approver, metrics *observability.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		registry: registry,
		policy:   policy,
		guard:    guard,
		approver: approver,
		metrics:  metrics,
		logger:   logger,
		sem:      make(chan struct{}, cfg.Execution.Parallelism),
		client:   &http.Client{Timeout: cfg.Execution.EndpointTimeout},
		schemas:  map[string]*jsonschema.Schema{},
	}
}

// Execute runs one call to completion. onChunk, when non-nil, receives
// progressive output from streaming tools.
func (e *Executor) Execute(ctx context.Context, call *Call, onChunk func(chunk string)) *models.ToolInvocation {
	inv := &models.ToolInvocation{
		ToolUseID: call.ToolUseID,
		Name:      call.Name,
		Input:     append([]byte(nil), call.Input...),
		StartedAt: time.Now(),
	}

	handler, ok := e.registry.Resolve(call.Name)
	if !ok {
		return e.fail(inv, newToolError(ErrNotFound, call.Name, errors.New("not registered")))
	}
	cap := handler.Capability()

	if err := e.validateInput(cap, call.Input); err != nil {
		return e.fail(inv, newToolError(ErrValidation, call.Name, err))
	}

	switch e.policy.Decide(call) {
	case DecisionDeny:
		inv.SafetyRefusal = true
		return e.fail(inv, newToolError(ErrExecution, call.Name, errors.New("blocked by approval policy")))
	case DecisionAsk:
		approved, err := e.requestApproval(ctx, call, cap)
		if err != nil {
			return e.fail(inv, classify(call.Name, err))
		}
		if !approved {
			inv.SafetyRefusal = true
			return e.fail(inv, newToolError(ErrExecution, call.Name, errors.New("rejected by user")))
		}
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return e.fail(inv, classify(call.Name, ctx.Err()))
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.Execution.Timeout)
	defer cancel()

	result, err := e.dispatch(execCtx, handler, cap, call, onChunk)
	if err != nil {
		return e.fail(inv, classify(call.Name, err))
	}

	inv.EndedAt = time.Now()
	inv.Result = e.guard.Apply(result.Content)
	inv.IsError = result.IsError
	status := "success"
	if result.IsError {
		status = "error"
		inv.ErrorKind = string(ErrExecution)
	}
	if e.metrics != nil {
		e.metrics.RecordToolExecution(call.Name, status, inv.Elapsed().Seconds())
	}
	e.logger.Debug("tool executed",
		"tool", call.Name,
		"session_id", call.SessionID,
		"duration_ms", inv.Elapsed().Milliseconds(),
		"is_error", inv.IsError)
	return inv
}

// dispatch routes by the capability's declared strategy. A handler that
// hangs past the deadline is abandoned; its goroutine drains when it
// eventually notices the context.
func (e *Executor) dispatch(ctx context.Context, handler Handler, cap *models.Capability, call *Call, onChunk func(string)) (*Result, error) {
	type outcome struct {
		result *Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		switch {
		case cap.Strategy == models.StrategyProgrammatic:
			result, err := e.executeEndpoint(ctx, cap, call)
			ch <- outcome{result, err}
		case cap.Strategy == models.StrategyStreaming:
			if streamer, ok := handler.(Streamer); ok && onChunk != nil {
				result, err := streamer.ExecuteStream(ctx, call, onChunk)
				ch <- outcome{result, err}
				return
			}
			result, err := handler.Execute(ctx, call)
			ch <- outcome{result, err}
		default:
			result, err := handler.Execute(ctx, call)
			ch <- outcome{result, err}
		}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// executeEndpoint POSTs the raw input to a programmatic capability's
// endpoint. 401/403 map to auth failures so the loop's error table can
// distinguish them from transient execution errors.
func (e *Executor) executeEndpoint(ctx context.Context, cap *models.Capability, call *Call) (*Result, error) {
	if cap.Endpoint == "" {
		return nil, fmt.Errorf("capability %s has no endpoint", cap.Name)
	}
	body := call.Input
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cap.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, int64(e.cfg.Guard.MaxChars)+4096))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newToolError(ErrAuth, cap.Name, fmt.Errorf("endpoint returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return &Result{Content: string(payload)}, nil
}

func (e *Executor) requestApproval(ctx context.Context, call *Call, cap *models.Capability) (bool, error) {
	if e.approver == nil {
		return false, nil
	}
	req := &models.HITLPayload{
		ToolUseID: call.ToolUseID,
		ToolName:  call.Name,
		Question:  fmt.Sprintf("Allow the agent to run %s?", call.Name),
		Options:   []string{"approve", "reject"},
	}
	if cap.Destructive {
		req.Question = fmt.Sprintf("Allow the agent to run %s? This action can modify your workspace.", call.Name)
	}
	approved, err := e.approver.Approve(ctx, req)
	if e.metrics != nil {
		switch {
		case err != nil:
			e.metrics.RecordHITL("timeout")
		case approved:
			e.metrics.RecordHITL("approved")
		default:
			e.metrics.RecordHITL("rejected")
		}
	}
	return approved, err
}

// validateInput checks the call input against the capability's declared
// JSON schema. Capabilities without a schema accept anything.
func (e *Executor) validateInput(cap *models.Capability, input json.RawMessage) error {
	if len(cap.InputSchema) == 0 {
		return nil
	}
	schema, err := e.compiledSchema(cap)
	if err != nil {
		return err
	}
	raw := input
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return schema.Validate(decoded)
}

func (e *Executor) compiledSchema(cap *models.Capability) (*jsonschema.Schema, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	if compiled, ok := e.schemas[cap.Name]; ok {
		return compiled, nil
	}
	compiled, err := jsonschema.CompileString(cap.Name+".schema.json", string(cap.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("compile input schema for %s: %w", cap.Name, err)
	}
	e.schemas[cap.Name] = compiled
	return compiled, nil
}

func (e *Executor) fail(inv *models.ToolInvocation, terr *ToolError) *models.ToolInvocation {
	inv.EndedAt = time.Now()
	inv.Result = terr.Message()
	inv.IsError = true
	inv.ErrorKind = string(terr.Kind)
	if e.metrics != nil {
		e.metrics.RecordToolExecution(inv.Name, string(terr.Kind), inv.Elapsed().Seconds())
	}
	e.logger.Debug("tool failed",
		"tool", inv.Name,
		"kind", string(terr.Kind),
		"error", terr.Err)
	return inv
}
