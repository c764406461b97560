package agent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/petrelhq/petrel/pkg/models"
)

func TestCleanContextReplacesFailedPairWithReflection(t *testing.T) {
	failedInput := json.RawMessage(`{"query":"very specific failing query"}`)
	history := []*models.Message{
		models.NewUserMessage("c1", "find the report"),
		{
			Role: models.RoleAssistant,
			Blocks: []models.Block{
				models.TextBlock("Searching now."),
				models.ToolUseBlock("tu-1", "web_search", failedInput),
			},
		},
		models.NewToolResultMessage("c1", []models.Block{
			models.ToolResultBlock("tu-1", "connection reset by peer: 10.0.0.7", true),
		}),
	}
	failed := []*models.ToolInvocation{{
		ToolUseID: "tu-1",
		Name:      "web_search",
		Result:    "connection reset by peer: 10.0.0.7",
		ErrorKind: "execution_error",
		IsError:   true,
	}}

	cleaned := cleanContext(history, failed)

	// The failed output must not survive verbatim anywhere in the prompt.
	for _, msg := range cleaned {
		for _, b := range msg.Blocks {
			if strings.Contains(b.Text, "connection reset") || strings.Contains(b.Content, "connection reset") {
				t.Fatalf("failed result text leaked into cleaned prompt: %+v", b)
			}
			if b.Type == models.BlockToolUse && b.ID == "tu-1" {
				t.Fatal("failed tool_use survived cleaning")
			}
			if b.Type == models.BlockToolResult && b.ToolUseID == "tu-1" {
				t.Fatal("failed tool_result survived cleaning")
			}
		}
	}

	// The assistant message keeps its text and gains the reflection.
	var assistant *models.Message
	for _, msg := range cleaned {
		if msg.Role == models.RoleAssistant {
			assistant = msg
		}
	}
	if assistant == nil {
		t.Fatal("assistant message dropped")
	}
	text := assistant.Text()
	if !strings.Contains(text, "Searching now.") {
		t.Errorf("assistant text lost: %q", text)
	}
	if !strings.Contains(text, "web_search failed") || !strings.Contains(text, "different approach") {
		t.Errorf("reflection missing: %q", text)
	}

	// The original history is untouched.
	if len(history[1].Blocks) != 2 || history[1].Blocks[1].Type != models.BlockToolUse {
		t.Error("cleaning mutated the persisted history")
	}
}

func TestCleanContextDropsEmptiedResultMessage(t *testing.T) {
	history := []*models.Message{
		{
			Role:   models.RoleAssistant,
			Blocks: []models.Block{models.ToolUseBlock("tu-1", "shell", json.RawMessage(`{}`))},
		},
		models.NewToolResultMessage("c1", []models.Block{
			models.ToolResultBlock("tu-1", "exit status 127", true),
		}),
	}
	failed := []*models.ToolInvocation{{ToolUseID: "tu-1", Name: "shell", IsError: true, ErrorKind: "execution_error"}}

	cleaned := cleanContext(history, failed)
	if len(cleaned) != 1 {
		t.Fatalf("messages = %d, want 1 (result message dropped)", len(cleaned))
	}
	if cleaned[0].Role != models.RoleAssistant || !strings.Contains(cleaned[0].Text(), "shell failed") {
		t.Errorf("assistant = %+v", cleaned[0])
	}
}

func TestCleanContextKeepsHealthyPairs(t *testing.T) {
	history := []*models.Message{
		{
			Role: models.RoleAssistant,
			Blocks: []models.Block{
				models.ToolUseBlock("tu-1", "read_file", json.RawMessage(`{"path":"a.txt"}`)),
				models.ToolUseBlock("tu-2", "shell", json.RawMessage(`{"command":"make"}`)),
			},
		},
		models.NewToolResultMessage("c1", []models.Block{
			models.ToolResultBlock("tu-1", "file contents", false),
			models.ToolResultBlock("tu-2", "build failed", true),
		}),
	}
	failed := []*models.ToolInvocation{{ToolUseID: "tu-2", Name: "shell", IsError: true, ErrorKind: "execution_error"}}

	cleaned := cleanContext(history, failed)
	if len(cleaned) != 2 {
		t.Fatalf("messages = %d, want 2", len(cleaned))
	}
	results := cleaned[1].ToolResults()
	if len(results) != 1 || results[0].ToolUseID != "tu-1" {
		t.Errorf("results = %+v, want only tu-1", results)
	}
	uses := cleaned[0].ToolUses()
	if len(uses) != 1 || uses[0].ID != "tu-1" {
		t.Errorf("uses = %+v, want only tu-1", uses)
	}
}

func TestReflectionTextAvoidsRawOutput(t *testing.T) {
	got := reflectionText("web_search", "")
	if !strings.Contains(got, "web_search") || !strings.Contains(got, "usable result") {
		t.Errorf("reflection = %q", got)
	}
	long := strings.Repeat("x", 500) + "\nsecond line"
	got = reflectionText("shell", long)
	if strings.Contains(got, "second line") || len(got) > 300 {
		t.Errorf("reflection not clamped: %q", got)
	}
}
