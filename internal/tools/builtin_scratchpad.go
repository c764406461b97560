package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrelhq/petrel/internal/scratchpad"
	"github.com/petrelhq/petrel/pkg/models"
)

var scratchpadSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"ref": {
			"type": "string",
			"description": "Scratchpad reference from a compressed tool result, e.g. \"sha256:...\""
		}
	},
	"required": ["ref"]
}`)

// ScratchpadTool resolves references left behind when large tool
// outputs were compressed out of the prompt.
type ScratchpadTool struct {
	store scratchpad.Store
}

func NewScratchpadTool(store scratchpad.Store) *ScratchpadTool {
	return &ScratchpadTool{store: store}
}

func (t *ScratchpadTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "read_scratchpad",
		Kind:        models.KindTool,
		Description: "Retrieve the full content of a compressed tool result by its scratchpad reference.",
		Level:       1,
		InputSchema: scratchpadSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
	}
}

func (t *ScratchpadTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil, newToolError(ErrValidation, "read_scratchpad", err)
	}
	if _, err := scratchpad.ParseRef(args.Ref); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	content, err := t.store.Read(ctx, args.Ref)
	if err != nil {
		var notFound *scratchpad.NotFoundError
		if errors.As(err, &notFound) {
			return &Result{
				Content: fmt.Sprintf("%s; the entry may have been swept by retention", err),
				IsError: true,
			}, nil
		}
		return nil, err
	}
	return &Result{Content: string(content)}, nil
}
