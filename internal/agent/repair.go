package agent

import "github.com/petrelhq/petrel/pkg/models"

const missingResultText = "tool result missing; the invocation outcome was not recorded"

// repairTranscript makes a persisted history safe to send to a provider:
// every assistant tool_use must be answered by a tool_result with the
// same id in the next user message, and no tool_result may appear without
// its tool_use. Missing results are synthesized as errors, orphan results
// are dropped. The input is not mutated.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	repaired := make([]*models.Message, 0, len(history)+1)
	for i := 0; i < len(history); i++ {
		msg := history[i]
		if msg == nil {
			continue
		}

		if msg.Role != models.RoleAssistant {
			if out := dropOrphanResults(msg, previousAssistant(repaired)); out != nil {
				repaired = append(repaired, out)
			}
			continue
		}

		repaired = append(repaired, msg)
		uses := msg.ToolUses()
		if len(uses) == 0 {
			continue
		}

		var next *models.Message
		if i+1 < len(history) && history[i+1] != nil && history[i+1].Role == models.RoleUser {
			next = history[i+1]
		}
		answered := make(map[string]models.Block)
		if next != nil {
			for _, r := range next.ToolResults() {
				answered[r.ToolUseID] = r
			}
		}
		missing := 0
		// Rebuild the result prefix in tool_use order, synthesizing where
		// a result never made it into history.
		ordered := make([]models.Block, 0, len(uses))
		for _, use := range uses {
			if r, ok := answered[use.ID]; ok {
				ordered = append(ordered, r)
			} else {
				ordered = append(ordered, models.ToolResultBlock(use.ID, missingResultText, true))
				missing++
			}
		}
		if missing == 0 && next != nil {
			continue
		}
		if next == nil {
			repaired = append(repaired, models.NewToolResultMessage(msg.ConversationID, ordered))
			continue
		}
		patched := next.Clone()
		rest := make([]models.Block, 0, len(patched.Blocks))
		for _, b := range patched.Blocks {
			if b.Type != models.BlockToolResult {
				rest = append(rest, b)
			}
		}
		patched.Blocks = append(ordered, rest...)
		repaired = append(repaired, patched)
		i++
	}
	return repaired
}

// dropOrphanResults removes tool_result blocks that do not answer a
// tool_use in the preceding assistant message.
func dropOrphanResults(msg, prev *models.Message) *models.Message {
	if msg == nil || len(msg.ToolResults()) == 0 {
		return msg
	}
	valid := make(map[string]bool)
	if prev != nil && prev.Role == models.RoleAssistant {
		for _, use := range prev.ToolUses() {
			valid[use.ID] = true
		}
	}
	keep := make([]models.Block, 0, len(msg.Blocks))
	dropped := false
	for _, b := range msg.Blocks {
		if b.Type == models.BlockToolResult && !valid[b.ToolUseID] {
			dropped = true
			continue
		}
		keep = append(keep, b)
	}
	if !dropped {
		return msg
	}
	if len(keep) == 0 {
		return nil
	}
	out := msg.Clone()
	out.Blocks = keep
	return out
}

func previousAssistant(repaired []*models.Message) *models.Message {
	for i := len(repaired) - 1; i >= 0; i-- {
		if repaired[i] != nil {
			if repaired[i].Role == models.RoleAssistant {
				return repaired[i]
			}
			return nil
		}
	}
	return nil
}
