package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/petrelhq/petrel/pkg/models"
)

// Default endpoints for OpenAI-compatible vendors served by this adapter.
const (
	deepseekBaseURL = "https://api.deepseek.com/v1"
	glmBaseURL      = "https://open.bigmodel.cn/api/paas/v4"
)

// openaiToolName is the function name constraint of the chat completions
// API. Tools outside it are dropped by FilterTools.
var openaiToolName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// OpenAIConfig holds connection settings for the OpenAI adapter and its
// compatible vendors.
type OpenAIConfig struct {
	// Name is the adapter name: "openai", or a compatible vendor such as
	// "deepseek" or "glm". Default: openai.
	Name string

	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the endpoint. Defaults by Name: the OpenAI
	// endpoint, or the vendor's documented compatible endpoint.
	BaseURL string

	// MaxTokens caps generation when the request does not. Default: 8192.
	MaxTokens int

	// MaxRetries bounds retries of the stream-open call. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between retries. Default: 1s.
	RetryDelay time.Duration
}

// OpenAIAdapter speaks the chat completions protocol. The wire stream is
// flat, so block structure is synthesized: reasoning and text deltas open
// thinking and text blocks, tool call fragments open tool_use blocks once
// both id and name have arrived.
type OpenAIAdapter struct {
	client     *openai.Client
	name       string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIAdapter builds the adapter. An empty API key is allowed for
// delayed configuration; Send fails until one is set.
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		switch cfg.Name {
		case "deepseek":
			cfg.BaseURL = deepseekBaseURL
		case "glm":
			cfg.BaseURL = glmBaseURL
		}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	a := &OpenAIAdapter{
		name:       cfg.Name,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
	if cfg.APIKey != "" {
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
		a.client = openai.NewClientWithConfig(clientConfig)
	}
	return a
}

func (p *OpenAIAdapter) Name() string { return p.name }

// FilterTools drops tools whose names the function-calling API rejects and
// truncates descriptions past its 1024-char limit.
func (p *OpenAIAdapter) FilterTools(tools []ToolDef) []ToolDef {
	out := make([]ToolDef, 0, len(tools))
	for _, t := range tools {
		if !openaiToolName.MatchString(t.Name) {
			continue
		}
		if len(t.Description) > 1024 {
			t.Description = t.Description[:1024]
		}
		out = append(out, t)
	}
	return out
}

// Probe lists models; a cheap authenticated GET supported by OpenAI and the
// compatible vendors.
func (p *OpenAIAdapter) Probe(ctx context.Context) bool {
	if p.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.client.ListModels(ctx)
	return err == nil
}

func (p *OpenAIAdapter) Send(ctx context.Context, req *Request) (<-chan models.Delta, error) {
	if p.client == nil {
		return nil, NewProviderError(p.name, req.Model, errors.New("API key not configured")).WithKind(ErrAuth)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      openaiMessages(req.Messages, req.System),
		Stream:        true,
		MaxTokens:     maxTokens,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		perr := p.wrapError(lastErr, req.Model)
		if !perr.Retryable() {
			return nil, perr
		}
		lastErr = perr
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%s: max retries exceeded: %w", p.name, lastErr)
	}

	out := make(chan models.Delta)
	go p.pump(ctx, stream, req.Model, out)
	return out, nil
}

// pump synthesizes canonical block structure from the flat stream. At most
// one block is open at a time; starting a new one closes the previous.
func (p *OpenAIAdapter) pump(ctx context.Context, stream *openai.ChatCompletionStream, model string, out chan<- models.Delta) {
	defer close(out)
	defer stream.Close()

	out <- models.Delta{Kind: models.DeltaMessageStart}

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

	// Tool calls stream in fragments keyed by the provider's own index;
	// the block starts once both id and name have arrived.
	type pendingTool struct {
		id    string
		name  string
		args  strings.Builder
		canon int
	}
	toolsByIdx := make(map[int]*pendingTool)

	stop := models.StopEndTurn
	var usage *models.TokenUsage

	for {
		select {
		case <-ctx.Done():
			out <- errorDelta(ctx.Err())
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				closeBlock()
				if usage != nil {
					out <- models.Delta{Kind: models.DeltaMessageDelta, Usage: usage}
				}
				out <- models.Delta{Kind: models.DeltaMessageStop, StopReason: stop}
				return
			}
			out <- errorDelta(p.wrapError(err, model).WithKind(ErrStreamInterrupted))
			return
		}

		if response.Usage != nil {
			usage = &models.TokenUsage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
			if d := response.Usage.PromptTokensDetails; d != nil {
				usage.CacheReadTokens = d.CachedTokens
			}
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			if openIdx < 0 || openType != models.BlockThinking {
				openBlock(&models.Block{Type: models.BlockThinking})
			}
			out <- models.Delta{Kind: models.DeltaContentDelta, Index: openIdx, Text: delta.ReasoningContent}
		}

		if delta.Content != "" {
			if openIdx < 0 || openType != models.BlockText {
				openBlock(&models.Block{Type: models.BlockText})
			}
			out <- models.Delta{Kind: models.DeltaContentDelta, Index: openIdx, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			t := toolsByIdx[idx]
			if t == nil {
				t = &pendingTool{canon: -1}
				toolsByIdx[idx] = t
			}
			if tc.ID != "" {
				t.id = tc.ID
			}
			if tc.Function.Name != "" {
				t.name = tc.Function.Name
			}
			if t.canon < 0 && t.id != "" && t.name != "" {
				t.canon = openBlock(&models.Block{Type: models.BlockToolUse, ID: t.id, Name: t.name})
				if t.args.Len() > 0 {
					out <- models.Delta{Kind: models.DeltaContentDelta, Index: t.canon, PartialJSON: t.args.String()}
					t.args.Reset()
				}
			}
			if tc.Function.Arguments != "" {
				if t.canon >= 0 {
					out <- models.Delta{Kind: models.DeltaContentDelta, Index: t.canon, PartialJSON: tc.Function.Arguments}
				} else {
					t.args.WriteString(tc.Function.Arguments)
				}
			}
		}

		if choice.FinishReason != "" {
			stop = openaiStopReason(string(choice.FinishReason))
		}
	}
}

func openaiStopReason(reason string) models.StopReason {
	switch reason {
	case "stop":
		return models.StopEndTurn
	case "tool_calls", "function_call":
		return models.StopToolUse
	case "length":
		return models.StopMaxTokens
	default:
		return models.StopEndTurn
	}
}

// openaiMessages converts canonical messages to chat completion messages.
// The system prompt leads; each tool_result becomes its own tool-role
// message, placed before the user's text so it directly follows the
// assistant message that requested it.
func openaiMessages(messages []*models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, b := range msg.ToolUses() {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   b.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.Name,
						Arguments: string(b.Input),
					},
				})
			}
			result = append(result, m)

		case models.RoleUser:
			for _, b := range msg.ToolResults() {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    b.Content,
					ToolCallID: b.ToolUseID,
				})
			}

			var parts []openai.ChatMessagePart
			var text strings.Builder
			hasImage := false
			for _, b := range msg.Blocks {
				switch b.Type {
				case models.BlockText:
					text.WriteString(b.Text)
				case models.BlockImage:
					if b.Source != nil {
						hasImage = true
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    "data:" + b.Source.MediaType + ";base64," + b.Source.Data,
								Detail: openai.ImageURLDetailAuto,
							},
						})
					}
				}
			}
			if hasImage {
				if text.Len() > 0 {
					parts = append([]openai.ChatMessagePart{{
						Type: openai.ChatMessagePartTypeText,
						Text: text.String(),
					}}, parts...)
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: parts,
				})
			} else if text.Len() > 0 {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text.String(),
				})
			}
		}
	}
	return result
}

func openaiTools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return result
}

func (p *OpenAIAdapter) wrapError(err error, model string) *ProviderError {
	if perr, ok := GetProviderError(err); ok {
		return perr
	}

	perr := NewProviderError(p.name, model, err)
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) {
		perr = perr.WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok {
			perr = perr.WithCode(code)
		}
	} else if errors.As(err, &reqErr) {
		perr = perr.WithStatus(reqErr.HTTPStatusCode)
	}
	return perr
}
