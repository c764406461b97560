package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/petrelhq/petrel/pkg/models"
)

// OllamaConfig holds connection settings for a local Ollama server.
type OllamaConfig struct {
	// BaseURL is the server address. Default: http://localhost:11434.
	BaseURL string

	// MaxTokens caps generation when the request does not. Default: 8192.
	MaxTokens int

	// Timeout bounds a whole chat request. Default: 2m.
	Timeout time.Duration
}

// OllamaAdapter speaks the native Ollama chat API: newline-delimited JSON
// over plain HTTP. Tool calls arrive whole per line, not fragmented, and
// the server may repeat them across lines, so emission is deduplicated.
type OllamaAdapter struct {
	client    *http.Client
	baseURL   string
	maxTokens int
}

// NewOllamaAdapter builds the adapter. No credentials are involved; a
// missing server surfaces as a connection error at send time.
func NewOllamaAdapter(cfg OllamaConfig) *OllamaAdapter {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaAdapter{
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		maxTokens: cfg.MaxTokens,
	}
}

func (p *OllamaAdapter) Name() string { return "ollama" }

// FilterTools passes tools through unchanged; the server accepts any name.
func (p *OllamaAdapter) FilterTools(tools []ToolDef) []ToolDef { return tools }

// Probe hits the tags endpoint, which answers on any running server.
func (p *OllamaAdapter) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<10))
	return resp.StatusCode == http.StatusOK
}

func (p *OllamaAdapter) Send(ctx context.Context, req *Request) (<-chan models.Delta, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, NewProviderError("ollama", req.Model, errors.New("model is required")).WithKind(ErrBadRequest)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	payload := ollamaChatRequest{
		Model:    req.Model,
		Stream:   true,
		Messages: ollamaMessages(req.Messages, req.System),
		Options:  map[string]any{"num_predict": maxTokens},
	}
	if len(req.Tools) > 0 {
		payload.Tools = openaiTools(req.Tools)
	}
	if req.Thinking {
		payload.Think = true
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError("ollama", req.Model, fmt.Errorf("marshal request: %w", err)).WithKind(ErrBadRequest)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("ollama", req.Model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("ollama", req.Model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, NewProviderError("ollama", req.Model, fmt.Errorf("status %d (read body failed: %w)", resp.StatusCode, readErr)).WithStatus(resp.StatusCode)
		}
		return nil, NewProviderError("ollama", req.Model, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}

	out := make(chan models.Delta)
	go p.pump(ctx, resp.Body, req.Model, out)
	return out, nil
}

func (p *OllamaAdapter) pump(ctx context.Context, body io.ReadCloser, model string, out chan<- models.Delta) {
	defer close(out)
	defer body.Close()

	out <- models.Delta{Kind: models.DeltaMessageStart}

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	nextIdx := 0
	openIdx := -1
	var openType models.BlockType

	closeBlock := func() {
		if openIdx >= 0 {
			out <- models.Delta{Kind: models.DeltaContentStop, Index: openIdx}
			openIdx = -1
		}
	}
	openBlock := func(block *models.Block) int {
		closeBlock()
		idx := nextIdx
		nextIdx++
		openIdx = idx
		openType = block.Type
		out <- models.Delta{Kind: models.DeltaContentStart, Index: idx, Block: block}
		return idx
	}

	emitted := make(map[string]struct{})
	sawToolUse := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- errorDelta(ctx.Err())
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- errorDelta(NewProviderError("ollama", model, fmt.Errorf("decode response: %w", err)).WithKind(ErrStreamInterrupted))
			return
		}
		if resp.Error != "" {
			out <- errorDelta(NewProviderError("ollama", model, errors.New(resp.Error)))
			return
		}

		if resp.Message != nil {
			if resp.Message.Thinking != "" {
				if openIdx < 0 || openType != models.BlockThinking {
					openBlock(&models.Block{Type: models.BlockThinking})
				}
				out <- models.Delta{Kind: models.DeltaContentDelta, Index: openIdx, Text: resp.Message.Thinking}
			}
			if resp.Message.Content != "" {
				if openIdx < 0 || openType != models.BlockText {
					openBlock(&models.Block{Type: models.BlockText})
				}
				out <- models.Delta{Kind: models.DeltaContentDelta, Index: openIdx, Text: resp.Message.Content}
			}

			for _, tc := range resp.Message.ToolCalls {
				key := ollamaToolCallKey(tc)
				if key == "" {
					continue
				}
				if _, ok := emitted[key]; ok {
					continue
				}
				emitted[key] = struct{}{}
				sawToolUse = true

				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = uuid.NewString()
				}
				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}

				idx := openBlock(&models.Block{
					Type: models.BlockToolUse,
					ID:   callID,
					Name: strings.TrimSpace(tc.Function.Name),
				})
				out <- models.Delta{Kind: models.DeltaContentDelta, Index: idx, PartialJSON: string(args)}
				closeBlock()
			}
		}

		if resp.Done {
			closeBlock()

			stopReason := models.StopEndTurn
			if resp.DoneReason == "length" {
				stopReason = models.StopMaxTokens
			} else if sawToolUse {
				stopReason = models.StopToolUse
			}
			if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
				out <- models.Delta{Kind: models.DeltaMessageDelta, Usage: &models.TokenUsage{
					InputTokens:  resp.PromptEvalCount,
					OutputTokens: resp.EvalCount,
				}}
			}
			out <- models.Delta{Kind: models.DeltaMessageStop, StopReason: stopReason}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- errorDelta(NewProviderError("ollama", model, err).WithKind(ErrStreamInterrupted))
		return
	}
	out <- errorDelta(NewProviderError("ollama", model, errors.New("stream ended without done marker")).WithKind(ErrStreamInterrupted))
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Think    bool                `json:"think,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ollamaToolCallKey identifies a tool call for dedup when the server emits
// the same call on multiple lines.
func ollamaToolCallKey(tc ollamaToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}

// ollamaMessages converts canonical messages to the native chat format.
// Tool results become tool-role messages carrying the function name, which
// the server matches back by name rather than call id.
func ollamaMessages(messages []*models.Message, system string) []ollamaChatMessage {
	result := make([]ollamaChatMessage, 0, len(messages)+1)

	toolNames := make(map[string]string)
	for _, msg := range messages {
		for _, b := range msg.ToolUses() {
			toolNames[b.ID] = b.Name
		}
	}

	if system = strings.TrimSpace(system); system != "" {
		result = append(result, ollamaChatMessage{Role: "system", Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleAssistant:
			m := ollamaChatMessage{Role: "assistant", Content: msg.Text()}
			for _, b := range msg.ToolUses() {
				args := b.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
					ID:   b.ID,
					Type: "function",
					Function: ollamaToolFunction{
						Name:      b.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, m)

		case models.RoleUser:
			for _, b := range msg.ToolResults() {
				result = append(result, ollamaChatMessage{
					Role:     "tool",
					Content:  b.Content,
					ToolName: toolNames[b.ToolUseID],
				})
			}

			m := ollamaChatMessage{Role: "user"}
			var text strings.Builder
			for _, b := range msg.Blocks {
				switch b.Type {
				case models.BlockText:
					text.WriteString(b.Text)
				case models.BlockImage:
					if b.Source != nil {
						m.Images = append(m.Images, b.Source.Data)
					}
				}
			}
			m.Content = text.String()
			if m.Content != "" || len(m.Images) > 0 {
				result = append(result, m)
			}
		}
	}
	return result
}
