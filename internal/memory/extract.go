package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/petrelhq/petrel/internal/providers"
	"github.com/petrelhq/petrel/pkg/models"
)

const extractPrompt = `Extract durable facts about the user from this conversation: stable preferences, working style, personal or project facts worth remembering across sessions. Skip anything tied only to this task.
Answer with a JSON array and nothing else:
[{"content":"...","category":"preference|style|fact|project"}]
Return [] when nothing qualifies.`

// maxExtractTurns bounds how much transcript the extraction prompt carries.
const maxExtractTurns = 12

// Extractor mines completed conversations for memory fragments using the
// light model role. It runs as a background task after a session ends.
type Extractor struct {
	adapter providers.Adapter
	model   string
	manager *Manager
	logger  *slog.Logger
}

func NewExtractor(adapter providers.Adapter, model string, manager *Manager, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		adapter: adapter,
		model:   model,
		manager: manager,
		logger:  logger.With("component", "memory-extract"),
	}
}

// Extract asks the light model for fragments and persists the valid ones.
// It returns how many were stored.
func (e *Extractor) Extract(ctx context.Context, userID string, history []*models.Message) (int, error) {
	if e.adapter == nil {
		return 0, nil
	}
	transcript := renderTranscript(history, maxExtractTurns)
	if transcript == "" {
		return 0, nil
	}

	req := &providers.Request{
		Model:     e.model,
		System:    extractPrompt,
		Messages:  []*models.Message{models.NewUserMessage("", transcript)},
		MaxTokens: 600,
	}
	deltas, err := e.adapter.Send(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("extraction call: %w", err)
	}
	answer, err := collectText(ctx, deltas)
	if err != nil {
		return 0, err
	}

	fragments, err := parseFragments(answer)
	if err != nil {
		return 0, err
	}
	stored := 0
	for _, f := range fragments {
		if err := e.manager.Remember(ctx, userID, f.Content, f.Category); err != nil {
			e.logger.Warn("fragment write failed", "error", err)
			continue
		}
		stored++
	}
	return stored, nil
}

type candidateFragment struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// parseFragments extracts the JSON array from the model answer, which may
// wrap it in prose or a code fence, and drops invalid candidates.
func parseFragments(answer string) ([]candidateFragment, error) {
	start := strings.Index(answer, "[")
	end := strings.LastIndex(answer, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in extraction answer")
	}
	var parsed []candidateFragment
	if err := json.Unmarshal([]byte(answer[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("parse extraction answer: %w", err)
	}

	allowed := map[string]bool{}
	for _, c := range stableCategories {
		allowed[c] = true
	}
	var out []candidateFragment
	seen := map[string]bool{}
	for _, f := range parsed {
		f.Content = strings.TrimSpace(f.Content)
		if f.Content == "" || seen[f.Content] {
			continue
		}
		if !allowed[f.Category] {
			f.Category = "fact"
		}
		seen[f.Content] = true
		out = append(out, f)
	}
	return out, nil
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
