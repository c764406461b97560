package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/petrelhq/petrel/pkg/models"
)

type fakePlanStore struct {
	plans map[string]*models.Plan
}

func newFakePlanStore() *fakePlanStore {
	return &fakePlanStore{plans: map[string]*models.Plan{}}
}

func (s *fakePlanStore) Plan(sessionID string) *models.Plan { return s.plans[sessionID] }

func (s *fakePlanStore) SetPlan(sessionID string, plan *models.Plan) {
	s.plans[sessionID] = plan
}

func TestPlanToolSetAndUpdate(t *testing.T) {
	store := newFakePlanStore()
	tool := NewPlanTool(store)
	call := func(input map[string]any) (*Result, error) {
		return tool.Execute(context.Background(), &Call{
			SessionID: "sess-1",
			Input:     marshalInput(t, input),
		})
	}

	res, err := call(map[string]any{
		"action": "set",
		"nodes": []map[string]any{
			{"id": "n1", "content": "inspect the failing test"},
			{"id": "n2", "content": "fix the bug", "dependencies": []string{"n1"}},
		},
	})
	if err != nil || res.IsError {
		t.Fatalf("set: err=%v res=%+v", err, res)
	}
	plan := store.Plan("sess-1")
	if plan == nil || len(plan.Nodes) != 2 {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Nodes[0].Status != models.TodoPending {
		t.Errorf("default status = %s", plan.Nodes[0].Status)
	}
	if next := plan.Next(); next == nil || next.ID != "n1" {
		t.Errorf("Next = %+v, want n1 (n2 depends on it)", next)
	}

	res, err = call(map[string]any{"action": "update", "id": "n1", "status": "completed", "result": "test expects sorted output"})
	if err != nil || res.IsError {
		t.Fatalf("update: err=%v res=%+v", err, res)
	}
	node, _ := store.Plan("sess-1").Get("n1")
	if node.Status != models.TodoCompleted || node.Result == "" {
		t.Errorf("node = %+v", node)
	}
	if next := store.Plan("sess-1").Next(); next == nil || next.ID != "n2" {
		t.Errorf("Next after completion = %+v, want n2", next)
	}

	if !strings.Contains(res.Content, "1/2 done") {
		t.Errorf("render = %q", res.Content)
	}
}

func TestPlanToolRejectsBadActions(t *testing.T) {
	store := newFakePlanStore()
	tool := NewPlanTool(store)

	res, err := tool.Execute(context.Background(), &Call{
		SessionID: "sess-1",
		Input:     marshalInput(t, map[string]any{"action": "update", "id": "ghost", "status": "completed"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Errorf("update of unknown node succeeded: %+v", res)
	}

	res, err = tool.Execute(context.Background(), &Call{
		SessionID: "sess-1",
		Input:     marshalInput(t, map[string]any{"action": "set"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Errorf("empty set succeeded: %+v", res)
	}
}

type fakeAsker struct {
	answer string
	seen   []*models.HITLPayload
}

func (a *fakeAsker) Ask(ctx context.Context, req *models.HITLPayload) (string, error) {
	a.seen = append(a.seen, req)
	return a.answer, nil
}

func TestAskUserToolBlocksForAnswer(t *testing.T) {
	asker := &fakeAsker{answer: "use the staging bucket"}
	tool := NewAskUserTool(asker)
	res, err := tool.Execute(context.Background(), &Call{
		ToolUseID: "tu-5",
		Input: marshalInput(t, map[string]any{
			"question": "Which bucket should I deploy to?",
			"options":  []string{"staging", "production"},
		}),
	})
	if err != nil || res.IsError {
		t.Fatalf("ask: err=%v res=%+v", err, res)
	}
	if res.Content != "use the staging bucket" {
		t.Errorf("answer = %q", res.Content)
	}
	if len(asker.seen) != 1 || asker.seen[0].ToolUseID != "tu-5" || len(asker.seen[0].Options) != 2 {
		t.Errorf("request = %+v", asker.seen)
	}
}
