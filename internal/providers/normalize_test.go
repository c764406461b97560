package providers

import (
	"encoding/json"
	"testing"

	"github.com/petrelhq/petrel/pkg/models"
)

func TestNormalizeMergesAdjacentRoles(t *testing.T) {
	msgs := []*models.Message{
		models.NewUserMessage("c1", "first"),
		models.NewUserMessage("c1", "second"),
		models.NewAssistantMessage("c1", []models.Block{models.TextBlock("reply")}),
	}

	out := NormalizeMessages(msgs)
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	if out[0].Role != models.RoleUser || len(out[0].Blocks) != 2 {
		t.Errorf("merged user message has %d blocks, want 2", len(out[0].Blocks))
	}
	if out[0].Blocks[0].Text != "first" || out[0].Blocks[1].Text != "second" {
		t.Errorf("merged blocks out of order: %q, %q", out[0].Blocks[0].Text, out[0].Blocks[1].Text)
	}
}

func TestNormalizeSkipsSystemAndEmpty(t *testing.T) {
	system := &models.Message{Role: models.RoleSystem, Blocks: []models.Block{models.TextBlock("sys")}}
	empty := &models.Message{Role: models.RoleUser}

	out := NormalizeMessages([]*models.Message{system, empty, nil, models.NewUserMessage("c1", "hi")})
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if out[0].Text() != "hi" {
		t.Errorf("surviving message = %q, want %q", out[0].Text(), "hi")
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	user := models.NewUserMessage("c1", "a")
	dup := models.NewUserMessage("c1", "b")
	msgs := []*models.Message{user, dup}

	NormalizeMessages(msgs)
	if len(user.Blocks) != 1 {
		t.Errorf("input message grew to %d blocks, want 1", len(user.Blocks))
	}
}

func TestNormalizeDedupsToolUse(t *testing.T) {
	input := json.RawMessage(`{"path":"a.txt"}`)
	assistant := models.NewAssistantMessage("c1", []models.Block{
		models.ToolUseBlock("tu_1", "read_file", input),
		models.ToolUseBlock("tu_1", "read_file", input),
		models.ToolUseBlock("tu_2", "read_file", input),
	})
	user := models.NewToolResultMessage("c1", []models.Block{
		models.ToolResultBlock("tu_1", "contents", false),
		models.ToolResultBlock("tu_2", "contents", false),
	})

	out := NormalizeMessages([]*models.Message{models.NewUserMessage("c1", "go"), assistant, user})
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
	uses := out[1].ToolUses()
	if len(uses) != 2 {
		t.Fatalf("got %d tool uses after dedup, want 2", len(uses))
	}
	if uses[0].ID != "tu_1" || uses[1].ID != "tu_2" {
		t.Errorf("tool use ids = %q, %q", uses[0].ID, uses[1].ID)
	}
}

func TestNormalizeKeepsFirstResultPerID(t *testing.T) {
	assistant := models.NewAssistantMessage("c1", []models.Block{
		models.ToolUseBlock("tu_1", "run", json.RawMessage(`{}`)),
	})
	user := models.NewToolResultMessage("c1", []models.Block{
		models.ToolResultBlock("tu_1", "first", false),
		models.ToolResultBlock("tu_1", "second", false),
	})

	out := NormalizeMessages([]*models.Message{models.NewUserMessage("c1", "go"), assistant, user})
	results := out[2].ToolResults()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Content != "first" {
		t.Errorf("kept result = %q, want %q", results[0].Content, "first")
	}
}

func TestNormalizeSynthesizesMissingResult(t *testing.T) {
	assistant := models.NewAssistantMessage("c1", []models.Block{
		models.TextBlock("calling"),
		models.ToolUseBlock("tu_1", "fetch", json.RawMessage(`{}`)),
		models.ToolUseBlock("tu_2", "fetch", json.RawMessage(`{"u":2}`)),
	})
	user := models.NewToolResultMessage("c1", []models.Block{
		models.ToolResultBlock("tu_2", "ok", false),
	})

	out := NormalizeMessages([]*models.Message{models.NewUserMessage("c1", "go"), assistant, user})
	results := out[2].ToolResults()
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Results come back in tool_use order, with the missing one marked as error.
	if results[0].ToolUseID != "tu_1" || !results[0].IsError {
		t.Errorf("first result = %+v, want synthesized error for tu_1", results[0])
	}
	if results[1].ToolUseID != "tu_2" || results[1].IsError {
		t.Errorf("second result = %+v, want real result for tu_2", results[1])
	}
}

func TestNormalizeSynthesizesWholeResultMessage(t *testing.T) {
	// Aborted run: history ends on an assistant tool_use with no reply at all.
	assistant := models.NewAssistantMessage("c1", []models.Block{
		models.ToolUseBlock("tu_1", "fetch", json.RawMessage(`{}`)),
	})

	out := NormalizeMessages([]*models.Message{models.NewUserMessage("c1", "go"), assistant})
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
	if out[2].Role != models.RoleUser {
		t.Fatalf("trailing message role = %q, want user", out[2].Role)
	}
	results := out[2].ToolResults()
	if len(results) != 1 || results[0].ToolUseID != "tu_1" || !results[0].IsError {
		t.Errorf("synthesized results = %+v", results)
	}
}

func TestNormalizeDropsOrphanResults(t *testing.T) {
	user := models.NewToolResultMessage("c1", []models.Block{
		models.ToolResultBlock("tu_ghost", "stale", false),
	})
	user.Blocks = append(user.Blocks, models.TextBlock("and a question"))

	out := NormalizeMessages([]*models.Message{user})
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if len(out[0].ToolResults()) != 0 {
		t.Errorf("orphan result survived: %+v", out[0].ToolResults())
	}
	if out[0].Text() != "and a question" {
		t.Errorf("text block lost: %q", out[0].Text())
	}
}

func TestNormalizeDropsResultOnlyOrphanMessage(t *testing.T) {
	orphan := models.NewToolResultMessage("c1", []models.Block{
		models.ToolResultBlock("tu_ghost", "stale", false),
	})

	out := NormalizeMessages([]*models.Message{orphan, models.NewUserMessage("c1", "hi")})
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if out[0].Text() != "hi" {
		t.Errorf("surviving message = %q", out[0].Text())
	}
}

func TestNormalizePrependsResumeStub(t *testing.T) {
	assistant := models.NewAssistantMessage("c1", []models.Block{models.TextBlock("welcome back")})

	out := NormalizeMessages([]*models.Message{assistant})
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	if out[0].Role != models.RoleUser {
		t.Errorf("lead role = %q, want user", out[0].Role)
	}
	if out[1].Role != models.RoleAssistant {
		t.Errorf("second role = %q, want assistant", out[1].Role)
	}
}

func TestNormalizeInterleavedToolTurns(t *testing.T) {
	// Two complete tool turns followed by a plain exchange survive unchanged.
	msgs := []*models.Message{
		models.NewUserMessage("c1", "task"),
		models.NewAssistantMessage("c1", []models.Block{
			models.ToolUseBlock("tu_1", "search", json.RawMessage(`{"q":"a"}`)),
		}),
		models.NewToolResultMessage("c1", []models.Block{
			models.ToolResultBlock("tu_1", "hits", false),
		}),
		models.NewAssistantMessage("c1", []models.Block{
			models.ToolUseBlock("tu_2", "search", json.RawMessage(`{"q":"b"}`)),
		}),
		models.NewToolResultMessage("c1", []models.Block{
			models.ToolResultBlock("tu_2", "more", false),
		}),
		models.NewAssistantMessage("c1", []models.Block{models.TextBlock("done")}),
	}

	out := NormalizeMessages(msgs)
	if len(out) != 6 {
		t.Fatalf("got %d messages, want 6", len(out))
	}
	for i, m := range out {
		wantUser := i%2 == 0
		if (m.Role == models.RoleUser) != wantUser {
			t.Errorf("message %d role = %q", i, m.Role)
		}
	}
}
