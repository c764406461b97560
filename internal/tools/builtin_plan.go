package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petrelhq/petrel/pkg/models"
)

// PlanStore gives the plan tool access to the live session plan. The
// session layer owns the plan; the tool only mutates it through here.
type PlanStore interface {
	Plan(sessionID string) *models.Plan
	SetPlan(sessionID string, plan *models.Plan)
}

var planSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {
			"type": "string",
			"enum": ["set", "update", "view"],
			"description": "set replaces the whole plan, update changes one node, view renders it"
		},
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"content": {"type": "string"},
					"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]},
					"dependencies": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["id", "content"]
			}
		},
		"id": {"type": "string", "description": "Node id, for update"},
		"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]},
		"result": {"type": "string", "description": "Outcome note recorded on the node, for update"}
	},
	"required": ["action"]
}`)

// PlanTool lets the model maintain its multi-step plan. The plan
// injector renders the same plan back into the prompt each turn.
type PlanTool struct {
	plans PlanStore
}

func NewPlanTool(plans PlanStore) *PlanTool {
	return &PlanTool{plans: plans}
}

func (t *PlanTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "plan_todo",
		Kind:        models.KindTool,
		Description: "Create or update the step-by-step plan for the current task.",
		Level:       1,
		InputSchema: planSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
	}
}

func (t *PlanTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Action string            `json:"action"`
		Nodes  []models.TodoNode `json:"nodes"`
		ID     string            `json:"id"`
		Status string            `json:"status"`
		Result string            `json:"result"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil, newToolError(ErrValidation, "plan_todo", err)
	}

	plan := t.plans.Plan(call.SessionID)
	if plan == nil {
		plan = &models.Plan{}
	}

	switch args.Action {
	case "set":
		if len(args.Nodes) == 0 {
			return &Result{Content: "set requires at least one node", IsError: true}, nil
		}
		for i := range args.Nodes {
			if args.Nodes[i].Status == "" {
				args.Nodes[i].Status = models.TodoPending
			}
		}
		plan = &models.Plan{Nodes: args.Nodes}
	case "update":
		node, ok := plan.Get(args.ID)
		if !ok {
			return &Result{Content: fmt.Sprintf("no plan node with id %q", args.ID), IsError: true}, nil
		}
		if args.Status != "" {
			node.Status = models.TodoStatus(args.Status)
		}
		if args.Result != "" {
			node.Result = args.Result
		}
	case "view":
	default:
		return &Result{Content: fmt.Sprintf("unknown action %q", args.Action), IsError: true}, nil
	}

	t.plans.SetPlan(call.SessionID, plan)
	return &Result{Content: renderPlan(plan)}, nil
}

func renderPlan(plan *models.Plan) string {
	if len(plan.Nodes) == 0 {
		return "no plan set"
	}
	done, total := plan.Progress()
	var b strings.Builder
	fmt.Fprintf(&b, "Plan (%d/%d done):\n", done, total)
	for _, n := range plan.Nodes {
		marker := " "
		switch n.Status {
		case models.TodoInProgress:
			marker = ">"
		case models.TodoCompleted:
			marker = "x"
		}
		fmt.Fprintf(&b, "[%s] %s: %s", marker, n.ID, n.Content)
		if len(n.Dependencies) > 0 {
			fmt.Fprintf(&b, " (after %s)", strings.Join(n.Dependencies, ", "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
