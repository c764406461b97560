package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/petrelhq/petrel/internal/skills"
)

func testSkill(t *testing.T, spec skills.ToolSpec) (*skills.Skill, *skills.Manager) {
	t.Helper()
	skill := &skills.Skill{
		Name:     "release-helper",
		Group:    "coding",
		Path:     t.TempDir(),
		Metadata: &skills.Metadata{Tools: []skills.ToolSpec{spec}},
	}
	return skill, skills.NewManager(nil, "", nil, nil)
}

func TestSkillToolRunsCommandWithInput(t *testing.T) {
	skipWithoutSh(t)
	spec := skills.ToolSpec{
		Name:        "version_bump",
		Description: "bump the version",
		Command:     `echo "input: $PETREL_TOOL_INPUT"`,
	}
	skill, manager := testSkill(t, spec)
	tool := NewSkillTool(skill, spec, manager, 4096)

	res, err := tool.Execute(context.Background(), &Call{
		Input: json.RawMessage(`{"part":"minor"}`),
	})
	if err != nil || res.IsError {
		t.Fatalf("run: err=%v res=%+v", err, res)
	}
	if !strings.Contains(res.Content, `input: {"part":"minor"}`) {
		t.Errorf("output = %q", res.Content)
	}
}

func TestSkillToolCapabilityFromSpec(t *testing.T) {
	spec := skills.ToolSpec{
		Name:        "version_bump",
		Description: "bump the version",
		Schema: map[string]any{
			"type":     "object",
			"required": []string{"part"},
		},
	}
	skill, manager := testSkill(t, spec)
	cap := NewSkillTool(skill, spec, manager, 4096).Capability()

	if cap.Name != "version_bump" || cap.Description != "bump the version" {
		t.Errorf("cap = %+v", cap)
	}
	if !cap.HasTag("release-helper") || !cap.HasTag("coding") {
		t.Errorf("tags = %v", cap.Tags)
	}
	var schema map[string]any
	if err := json.Unmarshal(cap.InputSchema, &schema); err != nil {
		t.Fatalf("schema did not round-trip: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("schema = %v", schema)
	}
}

func TestSkillToolFailingCommandReportsExit(t *testing.T) {
	skipWithoutSh(t)
	spec := skills.ToolSpec{Name: "broken", Command: "echo oops >&2; exit 2"}
	skill, manager := testSkill(t, spec)
	tool := NewSkillTool(skill, spec, manager, 4096)

	res, err := tool.Execute(context.Background(), &Call{Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "exit status 2") {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Content, "oops") {
		t.Errorf("stderr not captured: %q", res.Content)
	}
}
