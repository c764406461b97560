package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/petrelhq/petrel/pkg/models"
)

var bedrockToolName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

// BedrockConfig holds AWS connection settings for the Bedrock adapter.
type BedrockConfig struct {
	// Region is the AWS region. Default: us-east-1.
	Region string

	// AccessKeyID, SecretAccessKey, and SessionToken set explicit
	// credentials. When empty the default AWS chain applies (environment,
	// shared config, IAM role).
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// MaxTokens caps generation when the request does not. Default: 8192.
	MaxTokens int

	// MaxRetries bounds retries of the stream-open call. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between retries. Default: 1s.
	RetryDelay time.Duration
}

// BedrockAdapter speaks the Converse stream API. Wire events carry explicit
// content block indexes, which map straight onto canonical indexes; text
// blocks have no start event on the wire, so one is synthesized at the
// first delta for an unseen index.
type BedrockAdapter struct {
	client     *bedrockruntime.Client
	control    *bedrock.Client
	region     string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// NewBedrockAdapter builds the adapter, loading AWS configuration from the
// default chain unless explicit credentials are set.
func NewBedrockAdapter(cfg BedrockConfig) (*BedrockAdapter, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
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

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &BedrockAdapter{
		client:     bedrockruntime.NewFromConfig(awsCfg),
		control:    bedrock.NewFromConfig(awsCfg),
		region:     cfg.Region,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (p *BedrockAdapter) Name() string { return "bedrock" }

// FilterTools drops tools whose names the Converse tool spec rejects.
func (p *BedrockAdapter) FilterTools(tools []ToolDef) []ToolDef {
	out := make([]ToolDef, 0, len(tools))
	for _, t := range tools {
		if !bedrockToolName.MatchString(t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Probe lists foundation models through the control plane, which verifies
// both credentials and region reachability without invoking a model.
func (p *BedrockAdapter) Probe(ctx context.Context) bool {
	if p.control == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	return err == nil
}

func (p *BedrockAdapter) Send(ctx context.Context, req *Request) (<-chan models.Delta, error) {
	messages, err := bedrockMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError("bedrock", req.Model, err).WithKind(ErrBadRequest)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > math.MaxInt32 {
		maxTokens = math.MaxInt32
	}
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = bedrockTools(req.Tools)
	}

	if req.Thinking {
		budget := req.ThinkingBudget
		if budget < 1024 {
			budget = 10000
		}
		input.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": budget,
			},
		})
	}

	var stream *bedrockruntime.ConverseStreamOutput
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.ConverseStream(ctx, input)
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
		return nil, fmt.Errorf("bedrock: max retries exceeded: %w", lastErr)
	}

	out := make(chan models.Delta)
	go p.pump(ctx, stream, req.Model, out)
	return out, nil
}

func (p *BedrockAdapter) pump(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, model string, out chan<- models.Delta) {
	defer close(out)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	out <- models.Delta{Kind: models.DeltaMessageStart}

	open := make(map[int]bool)
	ensureOpen := func(idx int, blockType models.BlockType) {
		if !open[idx] {
			open[idx] = true
			out <- models.Delta{Kind: models.DeltaContentStart, Index: idx, Block: &models.Block{Type: blockType}}
		}
	}

	stopReason := models.StopEndTurn
	var usage *models.TokenUsage

	// Post-stop events still matter: usage metadata arrives after the
	// messageStop event, so the loop drains the channel to the end.
	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			out <- errorDelta(ctx.Err())
			return

		case event, ok := <-events:
			if !ok {
				for idx := range open {
					out <- models.Delta{Kind: models.DeltaContentStop, Index: idx}
				}
				if err := eventStream.Err(); err != nil {
					out <- errorDelta(p.wrapError(err, model).WithKind(ErrStreamInterrupted))
					return
				}
				if usage != nil {
					out <- models.Delta{Kind: models.DeltaMessageDelta, Usage: usage}
				}
				out <- models.Delta{Kind: models.DeltaMessageStop, StopReason: stopReason}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberMessageStart:
				// Already emitted.

			case *types.ConverseStreamOutputMemberContentBlockStart:
				idx := int(aws.ToInt32(ev.Value.ContentBlockIndex))
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					open[idx] = true
					out <- models.Delta{
						Kind:  models.DeltaContentStart,
						Index: idx,
						Block: &models.Block{
							Type: models.BlockToolUse,
							ID:   aws.ToString(toolUse.Value.ToolUseId),
							Name: aws.ToString(toolUse.Value.Name),
						},
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				idx := int(aws.ToInt32(ev.Value.ContentBlockIndex))
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						ensureOpen(idx, models.BlockText)
						out <- models.Delta{Kind: models.DeltaContentDelta, Index: idx, Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberReasoningContent:
					if text, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
						ensureOpen(idx, models.BlockThinking)
						out <- models.Delta{Kind: models.DeltaContentDelta, Index: idx, Text: text.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						out <- models.Delta{Kind: models.DeltaContentDelta, Index: idx, PartialJSON: *delta.Value.Input}
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				idx := int(aws.ToInt32(ev.Value.ContentBlockIndex))
				if open[idx] {
					delete(open, idx)
					out <- models.Delta{Kind: models.DeltaContentStop, Index: idx}
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				stopReason = bedrockStopReason(ev.Value.StopReason)

			case *types.ConverseStreamOutputMemberMetadata:
				if u := ev.Value.Usage; u != nil {
					usage = &models.TokenUsage{
						InputTokens:      int(aws.ToInt32(u.InputTokens)),
						OutputTokens:     int(aws.ToInt32(u.OutputTokens)),
						CacheReadTokens:  int(aws.ToInt32(u.CacheReadInputTokens)),
						CacheWriteTokens: int(aws.ToInt32(u.CacheWriteInputTokens)),
					}
				}
			}
		}
	}
}

func bedrockStopReason(reason types.StopReason) models.StopReason {
	switch reason {
	case types.StopReasonEndTurn:
		return models.StopEndTurn
	case types.StopReasonToolUse:
		return models.StopToolUse
	case types.StopReasonMaxTokens:
		return models.StopMaxTokens
	case types.StopReasonStopSequence:
		return models.StopSequence
	default:
		return models.StopEndTurn
	}
}

// bedrockMessages converts canonical messages to Converse messages,
// preserving block order within each message.
func bedrockMessages(messages []*models.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock
		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					content = append(content, &types.ContentBlockMemberText{Value: b.Text})
				}

			case models.BlockToolUse:
				var input any
				if err := json.Unmarshal(b.Input, &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(b.ID),
						Name:      aws.String(b.Name),
						Input:     document.NewLazyDocument(input),
					},
				})

			case models.BlockToolResult:
				block := types.ToolResultBlock{
					ToolUseId: aws.String(b.ToolUseID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: b.Content},
					},
				}
				if b.IsError {
					block.Status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{Value: block})

			case models.BlockImage:
				if b.Source == nil {
					continue
				}
				data, err := base64.StdEncoding.DecodeString(b.Source.Data)
				if err != nil {
					return nil, fmt.Errorf("decode image: %w", err)
				}
				content = append(content, &types.ContentBlockMemberImage{
					Value: types.ImageBlock{
						Format: bedrockImageFormat(b.Source.MediaType),
						Source: &types.ImageSourceMemberBytes{Value: data},
					},
				})
			}
		}

		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}

	return result, nil
}

func bedrockImageFormat(mediaType string) types.ImageFormat {
	switch mediaType {
	case "image/png":
		return types.ImageFormatPng
	case "image/gif":
		return types.ImageFormatGif
	case "image/webp":
		return types.ImageFormatWebp
	default:
		return types.ImageFormatJpeg
	}
}

func bedrockTools(tools []ToolDef) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		spec := types.ToolSpecification{
			Name:        aws.String(t.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}
		if t.Description != "" {
			spec.Description = aws.String(t.Description)
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: spec})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func (p *BedrockAdapter) wrapError(err error, model string) *ProviderError {
	if perr, ok := GetProviderError(err); ok {
		return perr
	}

	perr := NewProviderError("bedrock", model, err)

	var (
		throttled   *types.ThrottlingException
		quota       *types.ServiceQuotaExceededException
		denied      *types.AccessDeniedException
		validation  *types.ValidationException
		notFound    *types.ResourceNotFoundException
		timeout     *types.ModelTimeoutException
		unavailable *types.ServiceUnavailableException
		internal    *types.InternalServerException
		modelErr    *types.ModelErrorException
		streamErr   *types.ModelStreamErrorException
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &quota):
		perr = perr.WithStatus(http.StatusTooManyRequests)
	case errors.As(err, &denied):
		perr = perr.WithStatus(http.StatusForbidden)
	case errors.As(err, &validation), errors.As(err, &notFound):
		perr = perr.WithStatus(http.StatusBadRequest)
	case errors.As(err, &timeout), errors.As(err, &unavailable), errors.As(err, &internal), errors.As(err, &modelErr):
		perr = perr.WithStatus(http.StatusInternalServerError)
	case errors.As(err, &streamErr):
		perr = perr.WithKind(ErrStreamInterrupted)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		perr = perr.WithCode(apiErr.ErrorCode())
		if msg := apiErr.ErrorMessage(); msg != "" && !strings.Contains(perr.Message, msg) {
			perr = perr.WithMessage(msg)
		}
	}
	return perr
}
