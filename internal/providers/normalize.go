package providers

import (
	"bytes"

	"github.com/petrelhq/petrel/pkg/models"
)

// NormalizeMessages rewrites history into the shape every provider accepts:
// strict user/assistant alternation, every tool_use answered by exactly one
// tool_result in the following user message, and no duplicated tool_use
// blocks left over from retries. The input is not modified; the returned
// slice holds clones.
func NormalizeMessages(messages []*models.Message) []*models.Message {
	merged := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || msg.Role == models.RoleSystem || len(msg.Blocks) == 0 {
			continue
		}
		clone := msg.Clone()
		if len(merged) > 0 && merged[len(merged)-1].Role == clone.Role {
			last := merged[len(merged)-1]
			last.Blocks = append(last.Blocks, clone.Blocks...)
			continue
		}
		merged = append(merged, clone)
	}

	for _, msg := range merged {
		switch msg.Role {
		case models.RoleAssistant:
			msg.Blocks = dedupToolUse(msg.Blocks)
		case models.RoleUser:
			msg.Blocks = dedupToolResults(msg.Blocks)
		}
	}

	out := repairPairing(merged)

	if len(out) > 0 && out[0].Role == models.RoleAssistant {
		lead := models.NewUserMessage(out[0].ConversationID, "(conversation resumed)")
		out = append([]*models.Message{lead}, out...)
	}
	return out
}

// dedupToolUse drops a tool_use block that repeats the previous one. Retried
// turns can append the same call twice and providers reject the duplicate id.
func dedupToolUse(blocks []models.Block) []models.Block {
	out := make([]models.Block, 0, len(blocks))
	var prev *models.Block
	for _, b := range blocks {
		if b.Type == models.BlockToolUse && prev != nil && sameToolUse(*prev, b) {
			continue
		}
		out = append(out, b)
		if b.Type == models.BlockToolUse {
			prev = &out[len(out)-1]
		} else {
			prev = nil
		}
	}
	return out
}

func sameToolUse(a, b models.Block) bool {
	return a.ID == b.ID && a.Name == b.Name && bytes.Equal(a.Input, b.Input)
}

// dedupToolResults keeps the first result per tool_use id.
func dedupToolResults(blocks []models.Block) []models.Block {
	seen := make(map[string]bool, len(blocks))
	out := make([]models.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == models.BlockToolResult {
			if seen[b.ToolUseID] {
				continue
			}
			seen[b.ToolUseID] = true
		}
		out = append(out, b)
	}
	return out
}

// repairPairing enforces the pairing invariant on the outgoing copy: each
// assistant tool_use is answered, in order, by one tool_result in the next
// user message. Missing results are synthesized as errors, orphan results are
// dropped. Persisted history is untouched; this shapes only what the
// provider sees.
func repairPairing(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		if msg.Role != models.RoleAssistant {
			msg.Blocks = withoutToolResults(msg.Blocks)
			if len(msg.Blocks) == 0 {
				continue
			}
			out = append(out, msg)
			continue
		}

		out = append(out, msg)
		uses := msg.ToolUses()
		if len(uses) == 0 {
			continue
		}

		var next *models.Message
		if i+1 < len(messages) && messages[i+1].Role == models.RoleUser {
			next = messages[i+1]
			i++
		} else {
			next = models.NewToolResultMessage(msg.ConversationID, nil)
		}

		byID := make(map[string]models.Block, len(uses))
		for _, r := range next.ToolResults() {
			if _, ok := byID[r.ToolUseID]; !ok {
				byID[r.ToolUseID] = r
			}
		}
		rebuilt := make([]models.Block, 0, len(next.Blocks)+len(uses))
		for _, use := range uses {
			if r, ok := byID[use.ID]; ok {
				rebuilt = append(rebuilt, r)
			} else {
				rebuilt = append(rebuilt, models.ToolResultBlock(use.ID, "tool result unavailable", true))
			}
		}
		for _, b := range next.Blocks {
			if b.Type != models.BlockToolResult {
				rebuilt = append(rebuilt, b)
			}
		}
		next.Blocks = rebuilt
		out = append(out, next)
	}
	return out
}

func withoutToolResults(blocks []models.Block) []models.Block {
	out := make([]models.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == models.BlockToolResult {
			continue
		}
		out = append(out, b)
	}
	return out
}
