package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petrelhq/petrel/internal/providers"
	"github.com/petrelhq/petrel/pkg/models"
)

const titlePrompt = `Write a short title for this conversation: at most eight words, no quotes, no trailing punctuation. Answer with the title and nothing else.`

const followUpPrompt = `Suggest up to three short follow-up questions the user might ask next, grounded in what was just discussed.
Answer with a JSON array of strings and nothing else:
["...", "..."]
Return [] when nothing useful comes to mind.`

// taskTranscriptTurns bounds how much history the generation prompts carry.
const taskTranscriptTurns = 10

// generateTitle asks the light model for a conversation title.
func generateTitle(ctx context.Context, adapter providers.Adapter, model string, history []*models.Message) (string, error) {
	answer, err := generate(ctx, adapter, model, titlePrompt, history, 60)
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(answer)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, `"'`)
	if len(title) > 80 {
		title = title[:80]
	}
	if title == "" {
		return "", fmt.Errorf("empty title answer")
	}
	return title, nil
}

// generateFollowUps asks the light model for suggested next questions.
func generateFollowUps(ctx context.Context, adapter providers.Adapter, model string, history []*models.Message) ([]string, error) {
	answer, err := generate(ctx, adapter, model, followUpPrompt, history, 300)
	if err != nil {
		return nil, err
	}
	start := strings.Index(answer, "[")
	end := strings.LastIndex(answer, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in follow-up answer")
	}
	var parsed []string
	if err := json.Unmarshal([]byte(answer[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("parse follow-up answer: %w", err)
	}
	var out []string
	for _, s := range parsed {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == 3 {
			break
		}
	}
	return out, nil
}

func generate(ctx context.Context, adapter providers.Adapter, model, system string, history []*models.Message, maxTokens int) (string, error) {
	if adapter == nil {
		return "", fmt.Errorf("no adapter for background generation")
	}
	transcript := renderTranscript(history, taskTranscriptTurns)
	if transcript == "" {
		return "", fmt.Errorf("empty transcript")
	}
	req := &providers.Request{
		Model:     model,
		System:    system,
		Messages:  []*models.Message{models.NewUserMessage("", transcript)},
		MaxTokens: maxTokens,
	}
	deltas, err := adapter.Send(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generation call: %w", err)
	}
	return collectText(ctx, deltas)
}

// renderTranscript flattens the last turns into labelled plain text.
func renderTranscript(history []*models.Message, maxTurns int) string {
	start := 0
	if len(history) > maxTurns {
		start = len(history) - maxTurns
	}
	var b strings.Builder
	for _, m := range history[start:] {
		text := m.Text()
		if text == "" {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			b.WriteString("User: ")
		case models.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		if len(text) > 1000 {
			text = text[:1000]
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// collectText drains a delta stream into its concatenated text.
func collectText(ctx context.Context, deltas <-chan models.Delta) (string, error) {
	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case delta, ok := <-deltas:
			if !ok {
				return out.String(), nil
			}
			switch delta.Kind {
			case models.DeltaContentDelta:
				out.WriteString(delta.Text)
			case models.DeltaError:
				return "", delta.Err
			}
		}
	}
}
