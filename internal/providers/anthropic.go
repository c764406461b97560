package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/petrelhq/petrel/pkg/models"
)

// AnthropicConfig holds connection settings for the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the API endpoint. Default: the SDK's production
	// endpoint.
	BaseURL string

	// APIVersion pins the anthropic-version header. Default: the SDK's
	// current version.
	APIVersion string

	// MaxTokens caps generation when the request does not. Default: 8192.
	MaxTokens int

	// MaxRetries bounds retries of the stream-open call. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between retries. Default: 1s.
	RetryDelay time.Duration
}

// AnthropicAdapter speaks the Anthropic Messages API. The wire protocol is
// already block-shaped, so the canonical delta mapping is one to one.
type AnthropicAdapter struct {
	client     anthropic.Client
	apiKey     string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicAdapter builds the adapter. An empty API key is allowed for
// delayed configuration; Send fails until one is set.
func NewAnthropicAdapter(cfg AnthropicConfig) *AnthropicAdapter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, option.WithHeader("anthropic-version", cfg.APIVersion))
	}

	return &AnthropicAdapter{
		client:     anthropic.NewClient(opts...),
		apiKey:     cfg.APIKey,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

// FilterTools keeps everything; the Messages API expresses the full tool
// surface.
func (a *AnthropicAdapter) FilterTools(tools []ToolDef) []ToolDef { return tools }

// Probe lists models with a page size of one. Cheap, authenticated, and does
// not consume generation quota.
func (a *AnthropicAdapter) Probe(ctx context.Context) bool {
	if a.apiKey == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	return err == nil
}

// Send opens the stream, retrying transient failures with exponential
// backoff, then pumps events into canonical deltas.
func (a *AnthropicAdapter) Send(ctx context.Context, req *Request) (<-chan models.Delta, error) {
	if a.apiKey == "" {
		return nil, NewProviderError("anthropic", req.Model, errors.New("API key not configured")).WithKind(ErrAuth)
	}

	params, err := a.buildParams(req)
	if err != nil {
		return nil, NewProviderError("anthropic", req.Model, err).WithKind(ErrBadRequest)
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	for attempt := 0; ; attempt++ {
		stream = a.client.Messages.NewStreaming(ctx, *params)
		if err = stream.Err(); err == nil {
			break
		}
		stream.Close()
		perr := a.wrapError(err, req.Model)
		if !perr.Retryable() || attempt >= a.maxRetries {
			return nil, perr
		}
		backoff := a.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	out := make(chan models.Delta)
	go a.pump(stream, req.Model, out)
	return out, nil
}

func (a *AnthropicAdapter) buildParams(req *Request) (*anthropic.MessageNewParams, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.Thinking {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// pump translates SSE events into canonical deltas. The stop reason arrives
// on message_delta and is replayed on the terminal message_stop.
func (a *AnthropicAdapter) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, out chan<- models.Delta) {
	defer close(out)
	defer stream.Close()

	empty := 0
	stop := models.StopEndTurn

	for stream.Next() {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			out <- models.Delta{Kind: models.DeltaMessageStart, Usage: &models.TokenUsage{
				InputTokens:      int(start.Message.Usage.InputTokens),
				CacheReadTokens:  int(start.Message.Usage.CacheReadInputTokens),
				CacheWriteTokens: int(start.Message.Usage.CacheCreationInputTokens),
			}}

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			switch contentBlock.Type {
			case "text":
				out <- models.Delta{Kind: models.DeltaContentStart, Index: int(event.Index), Block: &models.Block{Type: models.BlockText}}
			case "thinking":
				out <- models.Delta{Kind: models.DeltaContentStart, Index: int(event.Index), Block: &models.Block{Type: models.BlockThinking}}
			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				out <- models.Delta{Kind: models.DeltaContentStart, Index: int(event.Index), Block: &models.Block{
					Type: models.BlockToolUse,
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}}
			default:
				processed = false
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				out <- models.Delta{Kind: models.DeltaContentDelta, Index: int(event.Index), Text: delta.Text}
			case "thinking_delta":
				out <- models.Delta{Kind: models.DeltaContentDelta, Index: int(event.Index), Text: delta.Thinking}
			case "input_json_delta":
				out <- models.Delta{Kind: models.DeltaContentDelta, Index: int(event.Index), PartialJSON: delta.PartialJSON}
			default:
				processed = false
			}

		case "content_block_stop":
			out <- models.Delta{Kind: models.DeltaContentStop, Index: int(event.Index)}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Delta.StopReason != "" {
				stop = anthropicStopReason(string(md.Delta.StopReason))
			}
			var usage *models.TokenUsage
			if md.Usage.OutputTokens > 0 {
				usage = &models.TokenUsage{OutputTokens: int(md.Usage.OutputTokens)}
			}
			out <- models.Delta{Kind: models.DeltaMessageDelta, Usage: usage}

		case "message_stop":
			out <- models.Delta{Kind: models.DeltaMessageStop, StopReason: stop}
			return

		case "error":
			out <- errorDelta(a.wrapError(errors.New("stream error event"), model).WithKind(ErrStreamInterrupted))
			return

		default:
			processed = false
		}

		if processed {
			empty = 0
		} else if empty++; empty >= maxEmptyStreamEvents {
			out <- errorDelta(a.wrapError(
				fmt.Errorf("malformed stream: %d consecutive empty events", empty), model,
			).WithKind(ErrStreamInterrupted))
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- errorDelta(a.wrapError(err, model).WithKind(ErrStreamInterrupted))
		return
	}
	// Stream ended without a message_stop event.
	out <- models.Delta{Kind: models.DeltaMessageStop, StopReason: stop}
}

func anthropicStopReason(reason string) models.StopReason {
	switch reason {
	case "end_turn":
		return models.StopEndTurn
	case "tool_use":
		return models.StopToolUse
	case "max_tokens":
		return models.StopMaxTokens
	case "stop_sequence":
		return models.StopSequence
	default:
		return models.StopEndTurn
	}
}

// anthropicMessages converts canonical messages to Anthropic message params.
// Thinking blocks are not replayed; the API regenerates reasoning per turn.
func anthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					content = append(content, anthropic.NewTextBlock(b.Text))
				}
			case models.BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool input for %s: %w", b.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			case models.BlockImage:
				if b.Source != nil {
					content = append(content, anthropic.NewImageBlockBase64(b.Source.MediaType, b.Source.Data))
				}
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (a *AnthropicAdapter) wrapError(err error, model string) *ProviderError {
	if perr, ok := GetProviderError(err); ok {
		return perr
	}

	perr := NewProviderError("anthropic", model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr = perr.WithStatus(apiErr.StatusCode)
		if apiErr.RequestID != "" {
			perr = perr.WithRequestID(apiErr.RequestID)
		}
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					perr = perr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					perr = perr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					perr = perr.WithRequestID(payload.RequestID)
				}
			}
		}
	}
	return perr
}
