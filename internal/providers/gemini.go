package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/petrelhq/petrel/pkg/models"
)

var geminiToolName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]{0,63}$`)

// GeminiConfig holds connection settings for the Gemini adapter.
type GeminiConfig struct {
	// APIKey authenticates against the Gemini API. Required.
	APIKey string

	// MaxTokens caps generation when the request does not. Default: 8192.
	MaxTokens int

	// MaxRetries bounds retries of the stream-open call. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between retries. Default: 1s.
	RetryDelay time.Duration
}

// GeminiAdapter speaks the Gemini API through the Gen AI SDK. The SDK
// streams via a Go 1.23 iterator with no separate open step, so Send pulls
// the first event synchronously to report connection failures as errors
// rather than deltas. Function calls arrive whole, not fragmented, and are
// emitted as a start/delta/stop triple per call.
type GeminiAdapter struct {
	client     *genai.Client
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// NewGeminiAdapter builds the adapter. An empty API key is allowed for
// delayed configuration; Send fails until one is set.
func NewGeminiAdapter(cfg GeminiConfig) (*GeminiAdapter, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	a := &GeminiAdapter{
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
	if cfg.APIKey != "" {
		client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: create client: %w", err)
		}
		a.client = client
	}
	return a, nil
}

func (p *GeminiAdapter) Name() string { return "gemini" }

// FilterTools drops tools whose names the function declaration API rejects.
func (p *GeminiAdapter) FilterTools(tools []ToolDef) []ToolDef {
	out := make([]ToolDef, 0, len(tools))
	for _, t := range tools {
		if !geminiToolName.MatchString(t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (p *GeminiAdapter) Probe(ctx context.Context) bool {
	if p.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{})
	return err == nil
}

func (p *GeminiAdapter) Send(ctx context.Context, req *Request) (<-chan models.Delta, error) {
	if p.client == nil {
		return nil, NewProviderError("gemini", req.Model, errors.New("API key not configured")).WithKind(ErrAuth)
	}

	contents := geminiContents(req.Messages)
	cfg := p.buildConfig(req)

	// The iterator only surfaces connection errors on its first yield, so
	// pull it once here; a clean first event hands the pull pair to the pump.
	var (
		first   *genai.GenerateContentResponse
		next    func() (*genai.GenerateContentResponse, error, bool)
		stop    func()
		drained bool
		lastErr error
	)
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))):
			}
		}

		stream := p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg)
		next, stop = iter.Pull2(stream)
		resp, err, ok := next()
		if !ok {
			stop()
			drained = true
			lastErr = nil
			break
		}
		if err != nil {
			stop()
			perr := p.wrapError(err, req.Model)
			if !perr.Retryable() {
				return nil, perr
			}
			lastErr = perr
			continue
		}
		first = resp
		lastErr = nil
		break
	}
	if lastErr != nil {
		return nil, fmt.Errorf("gemini: max retries exceeded: %w", lastErr)
	}

	out := make(chan models.Delta)
	go p.pump(ctx, first, next, stop, drained, req.Model, out)
	return out, nil
}

func (p *GeminiAdapter) buildConfig(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > math.MaxInt32 {
		maxTokens = math.MaxInt32
	}
	cfg.MaxOutputTokens = int32(maxTokens)

	if len(req.Tools) > 0 {
		cfg.Tools = geminiTools(req.Tools)
	}

	if req.Thinking {
		budget := req.ThinkingBudget
		if budget <= 0 {
			budget = 8192
		}
		if budget > math.MaxInt32 {
			budget = math.MaxInt32
		}
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(budget)),
		}
	}

	return cfg
}

func (p *GeminiAdapter) pump(ctx context.Context, first *genai.GenerateContentResponse, next func() (*genai.GenerateContentResponse, error, bool), stop func(), drained bool, model string, out chan<- models.Delta) {
	defer close(out)
	if stop != nil {
		defer stop()
	}

	out <- models.Delta{Kind: models.DeltaMessageStart}

	if drained {
		out <- models.Delta{Kind: models.DeltaMessageStop, StopReason: models.StopEndTurn}
		return
	}

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

	stopReason := models.StopEndTurn
	sawToolUse := false
	var usage *models.TokenUsage

	resp := first
	for {
		select {
		case <-ctx.Done():
			out <- errorDelta(ctx.Err())
			return
		default:
		}

		if resp != nil {
			if md := resp.UsageMetadata; md != nil {
				usage = &models.TokenUsage{
					InputTokens:     int(md.PromptTokenCount),
					OutputTokens:    int(md.CandidatesTokenCount) + int(md.ThoughtsTokenCount),
					CacheReadTokens: int(md.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil {
					continue
				}
				if candidate.Content != nil {
					for _, part := range candidate.Content.Parts {
						if part == nil {
							continue
						}

						if part.Text != "" {
							blockType := models.BlockText
							if part.Thought {
								blockType = models.BlockThinking
							}
							if openIdx < 0 || openType != blockType {
								openBlock(&models.Block{Type: blockType})
							}
							out <- models.Delta{Kind: models.DeltaContentDelta, Index: openIdx, Text: part.Text}
						}

						if fc := part.FunctionCall; fc != nil {
							sawToolUse = true
							args, err := json.Marshal(fc.Args)
							if err != nil {
								args = []byte("{}")
							}
							idx := openBlock(&models.Block{
								Type: models.BlockToolUse,
								ID:   geminiToolCallID(fc.Name),
								Name: fc.Name,
							})
							out <- models.Delta{Kind: models.DeltaContentDelta, Index: idx, PartialJSON: string(args)}
							closeBlock()
						}
					}
				}
				if candidate.FinishReason == genai.FinishReasonMaxTokens {
					stopReason = models.StopMaxTokens
				}
			}
		}

		var err error
		var ok bool
		resp, err, ok = next()
		if !ok {
			break
		}
		if err != nil {
			out <- errorDelta(p.wrapError(err, model).WithKind(ErrStreamInterrupted))
			return
		}
	}

	closeBlock()
	if sawToolUse && stopReason == models.StopEndTurn {
		stopReason = models.StopToolUse
	}
	if usage != nil {
		out <- models.Delta{Kind: models.DeltaMessageDelta, Usage: usage}
	}
	out <- models.Delta{Kind: models.DeltaMessageStop, StopReason: stopReason}
}

// geminiToolCallID synthesizes a call id; the API does not assign one.
func geminiToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// geminiContents converts canonical messages to Gemini content. Tool call
// ids are local to this process, so results round-trip by function name
// resolved from the paired tool_use block.
func geminiContents(messages []*models.Message) []*genai.Content {
	toolNames := make(map[string]string)
	for _, msg := range messages {
		for _, b := range msg.ToolUses() {
			toolNames[b.ID] = b.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: b.Text})
				}

			case models.BlockToolUse:
				var args map[string]any
				if err := json.Unmarshal(b.Input, &args); err != nil {
					args = make(map[string]any)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: b.Name, Args: args},
				})

			case models.BlockToolResult:
				var response map[string]any
				if err := json.Unmarshal([]byte(b.Content), &response); err != nil {
					response = map[string]any{"result": b.Content}
					if b.IsError {
						response["error"] = true
					}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     toolNames[b.ToolUseID],
						Response: response,
					},
				})

			case models.BlockImage:
				if b.Source != nil {
					data, err := base64.StdEncoding.DecodeString(b.Source.Data)
					if err == nil {
						content.Parts = append(content.Parts, &genai.Part{
							InlineData: &genai.Blob{Data: data, MIMEType: b.Source.MediaType},
						})
					}
				}
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func geminiTools(tools []ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object"}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  geminiSchema(schema),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// geminiSchema converts a JSON Schema fragment to the Gemini schema type.
// Unsupported keywords are dropped rather than rejected.
func geminiSchema(schema map[string]any) *genai.Schema {
	result := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		switch t {
		case "string":
			result.Type = genai.TypeString
		case "number":
			result.Type = genai.TypeNumber
		case "integer":
			result.Type = genai.TypeInteger
		case "boolean":
			result.Type = genai.TypeBoolean
		case "array":
			result.Type = genai.TypeArray
		case "object":
			result.Type = genai.TypeObject
		default:
			result.Type = genai.TypeString
		}
	} else {
		result.Type = genai.TypeObject
	}

	if desc, ok := schema["description"].(string); ok {
		result.Description = desc
	}

	if enum, ok := schema["enum"].([]any); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				result.Enum = append(result.Enum, s)
			}
		}
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		result.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				result.Properties[name] = geminiSchema(sub)
			}
		}
	}

	if required, ok := schema["required"].([]any); ok {
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}

	if items, ok := schema["items"].(map[string]any); ok {
		result.Items = geminiSchema(items)
	}

	return result
}

func (p *GeminiAdapter) wrapError(err error, model string) *ProviderError {
	if perr, ok := GetProviderError(err); ok {
		return perr
	}

	perr := NewProviderError("gemini", model, err)

	// The SDK reports most failures as text, so status is recovered from
	// the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		perr = perr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		perr = perr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted"):
		perr = perr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "500"):
		perr = perr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(msg, "503"):
		perr = perr.WithStatus(http.StatusServiceUnavailable)
	}
	return perr
}
