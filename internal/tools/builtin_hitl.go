package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/petrelhq/petrel/pkg/models"
)

// Asker poses a free-form question to the user and blocks for the
// answer. The session layer implements it over the same one-slot
// rendezvous that serves approvals.
type Asker interface {
	Ask(ctx context.Context, req *models.HITLPayload) (string, error)
}

var askUserSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"question": {"type": "string", "description": "Question to show the user"},
		"options": {
			"type": "array",
			"items": {"type": "string"},
			"description": "Optional fixed choices; omit for a free-form answer"
		}
	},
	"required": ["question"]
}`)

// AskUserTool suspends the turn on a human answer.
type AskUserTool struct {
	asker Asker
}

func NewAskUserTool(asker Asker) *AskUserTool {
	return &AskUserTool{asker: asker}
}

func (t *AskUserTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "ask_user",
		Kind:        models.KindTool,
		Description: "Ask the user a question and wait for their answer. Use when a decision cannot be made from context.",
		Level:       1,
		InputSchema: askUserSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
	}
}

func (t *AskUserTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil, newToolError(ErrValidation, "ask_user", err)
	}
	if strings.TrimSpace(args.Question) == "" {
		return &Result{Content: "question is empty", IsError: true}, nil
	}
	answer, err := t.asker.Ask(ctx, &models.HITLPayload{
		ToolUseID: call.ToolUseID,
		ToolName:  "ask_user",
		Question:  args.Question,
		Options:   args.Options,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Content: answer}, nil
}
