package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrelhq/petrel/pkg/models"
)

var timeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"timezone": {
			"type": "string",
			"description": "IANA timezone name, e.g. \"Europe/Berlin\". Defaults to the server's local zone."
		}
	}
}`)

// TimeTool reports the current date and time.
type TimeTool struct {
	// now is overridable for tests.
	now func() time.Time
}

func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

func (t *TimeTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "current_time",
		Kind:        models.KindTool,
		Description: "Get the current date and time, optionally in a named timezone.",
		Level:       1,
		InputSchema: timeSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
	}
}

func (t *TimeTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Timezone string `json:"timezone"`
	}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return nil, newToolError(ErrValidation, "current_time", err)
		}
	}
	now := t.now()
	if args.Timezone != "" {
		loc, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return &Result{Content: fmt.Sprintf("unknown timezone %q", args.Timezone), IsError: true}, nil
		}
		now = now.In(loc)
	}
	return &Result{Content: now.Format("Monday, 2 January 2006 15:04:05 MST")}, nil
}
