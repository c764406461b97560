package contextpipe

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/petrelhq/petrel/pkg/models"
)

// NormalizeJSON re-encodes raw JSON with sorted object keys and canonical
// quoting, so equal values serialize byte-identically regardless of source
// key order. Invalid input comes back unchanged.
func NormalizeJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// RenderToolCatalog produces the stable tool definition section. Tools are
// sorted by name and only immutable fields are rendered; probe status, cost
// hints and anything else that moves between turns is excluded so the
// section stays byte-identical while the tool set is unchanged.
func RenderToolCatalog(tools []*models.Capability) string {
	if len(tools) == 0 {
		return ""
	}
	sorted := make([]*models.Capability, 0, len(tools))
	for _, t := range tools {
		if t != nil {
			sorted = append(sorted, t)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var sb strings.Builder
	sb.WriteString("# Available tools\n")
	for _, t := range sorted {
		sb.WriteString("\n## ")
		sb.WriteString(t.Name)
		sb.WriteString("\n")
		if t.Description != "" {
			sb.WriteString(t.Description)
			sb.WriteString("\n")
		}
		if len(t.InputSchema) > 0 {
			sb.WriteString("Input schema: ")
			sb.WriteString(NormalizeJSON(t.InputSchema))
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RenderSkillInstructions produces the stable skill instruction section,
// sorted by skill name.
func RenderSkillInstructions(skills []*models.Capability) string {
	withText := make([]*models.Capability, 0, len(skills))
	for _, s := range skills {
		if s != nil && s.Instructions != "" {
			withText = append(withText, s)
		}
	}
	if len(withText) == 0 {
		return ""
	}
	sort.Slice(withText, func(i, j int) bool { return withText[i].Name < withText[j].Name })

	var sb strings.Builder
	sb.WriteString("# Active skills\n")
	for _, s := range withText {
		sb.WriteString("\n## Skill: ")
		sb.WriteString(s.Name)
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(s.Instructions))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
