package agent

import (
	"fmt"
	"strings"

	"github.com/petrelhq/petrel/pkg/models"
)

// reflectionText phrases the synthetic assistant block that replaces a
// failed tool exchange after a backtrack. The failure reason is reduced
// to its first line so no verbatim tool output leaks into the next
// prompt.
func reflectionText(tool, reason string) string {
	reason = firstLine(reason)
	if reason == "" {
		reason = "it did not produce a usable result"
	}
	return fmt.Sprintf("Approach using %s failed because %s; attempting a different approach instead.", tool, reason)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}

// cleanContext removes the failed tool_use/tool_result pairs from a
// prompt transcript and substitutes one assistant reflection per failed
// tool. Only the returned copy is cleaned; persisted history keeps the
// full record. After cleaning, none of the failed invocations' input or
// output text appears verbatim in the transcript.
func cleanContext(history []*models.Message, failed []*models.ToolInvocation) []*models.Message {
	if len(failed) == 0 {
		return history
	}
	byID := make(map[string]*models.ToolInvocation, len(failed))
	for _, inv := range failed {
		if inv != nil {
			byID[inv.ToolUseID] = inv
		}
	}

	out := make([]*models.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		cleaned, reflections := stripFailedBlocks(msg, byID)
		if len(reflections) > 0 {
			// The reflection takes the failed tool_use's place in the
			// assistant message.
			cleaned = reflectInto(cleaned, msg, reflections)
		}
		if cleaned != nil {
			out = append(out, cleaned)
		}
	}
	return out
}

// stripFailedBlocks drops the blocks belonging to failed invocations and
// returns the reflection texts owed for tool_use blocks removed from an
// assistant message.
func stripFailedBlocks(msg *models.Message, failed map[string]*models.ToolInvocation) (*models.Message, []string) {
	var reflections []string
	keep := make([]models.Block, 0, len(msg.Blocks))
	touched := false
	for _, b := range msg.Blocks {
		switch b.Type {
		case models.BlockToolUse:
			if inv, ok := failed[b.ID]; ok {
				touched = true
				reflections = append(reflections, reflectionText(inv.Name, errorReason(inv)))
				continue
			}
		case models.BlockToolResult:
			if _, ok := failed[b.ToolUseID]; ok {
				touched = true
				continue
			}
		}
		keep = append(keep, b)
	}
	if !touched {
		return msg, nil
	}
	if len(keep) == 0 && len(reflections) == 0 {
		return nil, nil
	}
	out := msg.Clone()
	out.Blocks = keep
	return out, reflections
}

func reflectInto(cleaned, original *models.Message, reflections []string) *models.Message {
	blocks := make([]models.Block, 0, len(reflections)+1)
	if cleaned != nil {
		blocks = cleaned.Blocks
	}
	for _, text := range reflections {
		blocks = append(blocks, models.TextBlock(text))
	}
	if cleaned == nil {
		cleaned = original.Clone()
	}
	cleaned.Blocks = blocks
	return cleaned
}

// errorReason picks the classifier-facing reason for a failure without
// quoting the raw result text. Known kinds get a stable phrase; anything
// else falls back to the error kind itself.
func errorReason(inv *models.ToolInvocation) string {
	switch inv.ErrorKind {
	case "timeout":
		return "it exceeded its time limit"
	case "auth_failure":
		return "its credentials were rejected"
	case "validation_error":
		return "its input failed validation"
	case "not_found":
		return "the tool was not available"
	default:
		return "it returned an error"
	}
}
