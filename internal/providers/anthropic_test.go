package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/petrelhq/petrel/pkg/models"
)

func anthropicSSE(w http.ResponseWriter, events ...[2]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev[0], ev[1])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func textMessageEvents() [][2]string {
	return [][2]string{
		{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","usage":{"input_tokens":10,"output_tokens":1,"cache_read_input_tokens":3,"cache_creation_input_tokens":2}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":12}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
}

func TestNewAnthropicAdapterDefaults(t *testing.T) {
	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "test-key"})
	if a.maxTokens != 8192 {
		t.Errorf("maxTokens = %d, want 8192", a.maxTokens)
	}
	if a.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", a.maxRetries)
	}
	if a.retryDelay != time.Second {
		t.Errorf("retryDelay = %v, want 1s", a.retryDelay)
	}
	if a.Name() != "anthropic" {
		t.Errorf("Name() = %q", a.Name())
	}
}

func TestAnthropicSendWithoutKey(t *testing.T) {
	a := NewAnthropicAdapter(AnthropicConfig{})
	_, err := a.Send(context.Background(), &Request{Model: "claude-sonnet-4-5"})
	if err == nil {
		t.Fatal("expected error without API key")
	}
	pe, ok := GetProviderError(err)
	if !ok || pe.Kind != ErrAuth {
		t.Errorf("error = %v, want auth", err)
	}
	if a.Probe(context.Background()) {
		t.Error("Probe without key = true")
	}
}

func TestAnthropicSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}
		anthropicSSE(w, textMessageEvents()...)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL})
	ch, err := a.Send(context.Background(), &Request{
		Model:    "claude-sonnet-4-5",
		Messages: []*models.Message{models.NewUserMessage("c1", "hi")},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	deltas := collect(t, ch)

	if deltas[0].Kind != models.DeltaMessageStart {
		t.Fatalf("first delta = %v", deltas[0].Kind)
	}
	if u := deltas[0].Usage; u == nil || u.InputTokens != 10 || u.CacheReadTokens != 3 || u.CacheWriteTokens != 2 {
		t.Errorf("start usage = %+v", deltas[0].Usage)
	}

	var text string
	var outTokens int
	var stop models.StopReason
	for _, d := range deltas {
		switch d.Kind {
		case models.DeltaContentDelta:
			text += d.Text
		case models.DeltaMessageDelta:
			if d.Usage != nil {
				outTokens = d.Usage.OutputTokens
			}
		case models.DeltaMessageStop:
			stop = d.StopReason
		case models.DeltaError:
			t.Fatalf("error delta: %v", d.Err)
		}
	}
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if outTokens != 12 {
		t.Errorf("output tokens = %d, want 12", outTokens)
	}
	if stop != models.StopEndTurn {
		t.Errorf("stop = %q, want end_turn", stop)
	}
}

func TestAnthropicSendToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		anthropicSSE(w,
			[2]string{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","usage":{"input_tokens":5,"output_tokens":1}}}`},
			[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tool_123","name":"get_weather","input":{}}}`},
			[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`},
			[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"London\"}"}}`},
			[2]string{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":8}}`},
			[2]string{"message_stop", `{"type":"message_stop"}`},
		)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL})
	ch, err := a.Send(context.Background(), &Request{
		Model:    "claude-sonnet-4-5",
		Messages: []*models.Message{models.NewUserMessage("c1", "weather?")},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	deltas := collect(t, ch)

	var block *models.Block
	var args string
	var stop models.StopReason
	for _, d := range deltas {
		switch d.Kind {
		case models.DeltaContentStart:
			block = d.Block
		case models.DeltaContentDelta:
			args += d.PartialJSON
		case models.DeltaMessageStop:
			stop = d.StopReason
		}
	}
	if block == nil || block.Type != models.BlockToolUse || block.ID != "tool_123" || block.Name != "get_weather" {
		t.Fatalf("tool block = %+v", block)
	}
	if args != `{"city":"London"}` {
		t.Errorf("args = %q", args)
	}
	if stop != models.StopToolUse {
		t.Errorf("stop = %q, want tool_use", stop)
	}
}

func TestAnthropicSendRetriesTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(529)
			fmt.Fprint(w, `{"error":{"type":"overloaded_error","message":"Overloaded"}}`)
			return
		}
		anthropicSSE(w, textMessageEvents()...)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(AnthropicConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		RetryDelay: time.Millisecond,
	})
	ch, err := a.Send(context.Background(), &Request{
		Model:    "claude-sonnet-4-5",
		Messages: []*models.Message{models.NewUserMessage("c1", "hi")},
	})
	if err != nil {
		t.Fatalf("Send after retry: %v", err)
	}
	collect(t, ch)
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestAnthropicSendAuthErrorNoRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "bad-key", BaseURL: srv.URL, RetryDelay: time.Millisecond})
	_, err := a.Send(context.Background(), &Request{
		Model:    "claude-sonnet-4-5",
		Messages: []*models.Message{models.NewUserMessage("c1", "hi")},
	})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	pe, ok := GetProviderError(err)
	if !ok || pe.Kind != ErrAuth || pe.Status != 401 {
		t.Errorf("error = %+v", pe)
	}
	if pe.Code != "authentication_error" {
		t.Errorf("code = %q", pe.Code)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on auth)", got)
	}
}

func TestAnthropicStopReason(t *testing.T) {
	tests := []struct {
		reason string
		want   models.StopReason
	}{
		{"end_turn", models.StopEndTurn},
		{"tool_use", models.StopToolUse},
		{"max_tokens", models.StopMaxTokens},
		{"stop_sequence", models.StopSequence},
		{"pause_turn", models.StopEndTurn},
		{"", models.StopEndTurn},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			if got := anthropicStopReason(tt.reason); got != tt.want {
				t.Errorf("anthropicStopReason(%q) = %q, want %q", tt.reason, got, tt.want)
			}
		})
	}
}

func TestAnthropicMessagesConversion(t *testing.T) {
	msgs := []*models.Message{
		{Role: models.RoleSystem, Blocks: []models.Block{models.TextBlock("you are helpful")}},
		models.NewUserMessage("c1", "hi"),
		models.NewAssistantMessage("c1", []models.Block{
			models.ThinkingBlock("pondering"),
			models.TextBlock("let me check"),
			models.ToolUseBlock("call-1", "get_weather", json.RawMessage(`{"city":"London"}`)),
		}),
		models.NewToolResultMessage("c1", []models.Block{
			models.ToolResultBlock("call-1", "Sunny", false),
		}),
	}

	out, err := anthropicMessages(msgs)
	if err != nil {
		t.Fatalf("anthropicMessages: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("messages = %d, want 3 (system skipped)", len(out))
	}

	if out[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("first role = %q", out[0].Role)
	}

	// Thinking blocks are dropped; text and tool_use survive in order.
	assistant := out[1]
	if assistant.Role != anthropic.MessageParamRoleAssistant || len(assistant.Content) != 2 {
		t.Fatalf("assistant = %+v", assistant)
	}
	if assistant.Content[0].OfText == nil || assistant.Content[0].OfText.Text != "let me check" {
		t.Errorf("text block = %+v", assistant.Content[0])
	}
	tu := assistant.Content[1].OfToolUse
	if tu == nil || tu.ID != "call-1" || tu.Name != "get_weather" {
		t.Errorf("tool use = %+v", assistant.Content[1])
	}

	tr := out[2].Content[0].OfToolResult
	if tr == nil || tr.ToolUseID != "call-1" {
		t.Errorf("tool result = %+v", out[2].Content[0])
	}
}

func TestAnthropicMessagesInvalidToolInput(t *testing.T) {
	msgs := []*models.Message{
		models.NewAssistantMessage("c1", []models.Block{
			models.ToolUseBlock("call-1", "test", json.RawMessage(`invalid json`)),
		}),
	}
	if _, err := anthropicMessages(msgs); err == nil {
		t.Error("expected error for invalid tool input")
	}
}

func TestAnthropicMessagesImage(t *testing.T) {
	user := models.NewUserMessage("c1", "what is this")
	user.Blocks = append(user.Blocks, models.ImageBlock(models.ImageSource{
		MediaType: "image/png",
		Data:      "aGVsbG8=",
	}))

	out, err := anthropicMessages([]*models.Message{user})
	if err != nil {
		t.Fatalf("anthropicMessages: %v", err)
	}
	img := out[0].Content[1].OfImage
	if img == nil || img.Source.OfBase64 == nil {
		t.Fatalf("image block = %+v", out[0].Content[1])
	}
	if img.Source.OfBase64.Data != "aGVsbG8=" || img.Source.OfBase64.MediaType != "image/png" {
		t.Errorf("source = %+v", img.Source.OfBase64)
	}
}

func TestAnthropicTools(t *testing.T) {
	out, err := anthropicTools([]ToolDef{{
		Name:        "get_weather",
		Description: "current weather",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}})
	if err != nil {
		t.Fatalf("anthropicTools: %v", err)
	}
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("tools = %+v", out)
	}
	if out[0].OfTool.Name != "get_weather" {
		t.Errorf("name = %q", out[0].OfTool.Name)
	}
	if out[0].OfTool.Description.Value != "current weather" {
		t.Errorf("description = %+v", out[0].OfTool.Description)
	}

	if _, err := anthropicTools([]ToolDef{{Name: "bad", InputSchema: json.RawMessage(`broken`)}}); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestAnthropicBuildParams(t *testing.T) {
	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "k", MaxTokens: 4096})

	params, err := a.buildParams(&Request{
		Model:    "claude-sonnet-4-5",
		System:   "be terse",
		Messages: []*models.Message{models.NewUserMessage("c1", "hi")},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "claude-sonnet-4-5" || params.MaxTokens != 4096 {
		t.Errorf("params = model %q, max %d", params.Model, params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "be terse" {
		t.Errorf("system = %+v", params.System)
	}
	if params.Thinking.OfEnabled != nil {
		t.Error("thinking enabled without request flag")
	}
}

func TestAnthropicBuildParamsThinking(t *testing.T) {
	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "k"})

	params, err := a.buildParams(&Request{
		Model:    "claude-sonnet-4-5",
		Thinking: true,
		Messages: []*models.Message{models.NewUserMessage("c1", "hi")},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Thinking.OfEnabled == nil || params.Thinking.OfEnabled.BudgetTokens != 10000 {
		t.Errorf("default thinking budget = %+v", params.Thinking.OfEnabled)
	}

	params, err = a.buildParams(&Request{
		Model:          "claude-sonnet-4-5",
		Thinking:       true,
		ThinkingBudget: 2048,
		Messages:       []*models.Message{models.NewUserMessage("c1", "hi")},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Thinking.OfEnabled.BudgetTokens != 2048 {
		t.Errorf("budget = %d, want 2048", params.Thinking.OfEnabled.BudgetTokens)
	}
}

func TestAnthropicWrapError(t *testing.T) {
	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "k"})

	apiErr := &anthropic.Error{
		StatusCode: 429,
		RequestID:  "req_123",
		Request:    httptest.NewRequest(http.MethodPost, "/v1/messages", nil),
		Response:   &http.Response{StatusCode: 429},
	}
	pe := a.wrapError(apiErr, "claude-sonnet-4-5")
	if pe.Kind != ErrRateLimit || pe.Status != 429 || pe.RequestID != "req_123" {
		t.Errorf("wrapped = %+v", pe)
	}

	orig := NewProviderError("anthropic", "m", nil).WithKind(ErrBadRequest)
	if got := a.wrapError(orig, "m"); got != orig {
		t.Error("existing ProviderError was re-wrapped")
	}
}
