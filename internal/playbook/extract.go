package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/memory"
	"github.com/petrelhq/petrel/internal/providers"
	"github.com/petrelhq/petrel/pkg/models"
)

const extractPrompt = `Distill a reusable strategy from this completed task. Capture the approach, not the specifics: another run of a similar task should be able to follow it.
Answer with one JSON object and nothing else:
{"task_type":"coding|writing|research|data_analysis|files|shell|general","title":"...","description":"...","steps":["..."],"tags":["..."]}
Return {"skip":true} when the session holds no strategy worth keeping.`

const refinePrompt = `Rewrite this strategy description to be clear and general enough to reuse on similar tasks. Keep it under 80 words. Answer with the rewritten description only.`

// Lifecycle extracts draft strategies from completed sessions and walks
// them through review: DRAFT on extraction, APPROVED entries are refined
// and indexed for semantic matching, REJECTED entries are dropped from
// matching entirely.
type Lifecycle struct {
	cfg     config.PlaybookConfig
	adapter providers.Adapter
	model   string
	store   Store
	vector  *memory.VectorStore
	logger  *slog.Logger
}

func NewLifecycle(cfg config.PlaybookConfig, adapter providers.Adapter, model string, store Store, vector *memory.VectorStore, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		cfg:     cfg,
		adapter: adapter,
		model:   model,
		store:   store,
		vector:  vector,
		logger:  logger.With("component", "playbook"),
	}
}

// ShouldExtract gates extraction on session quality: at least one tool
// call and a response over the configured length floor.
func (l *Lifecycle) ShouldExtract(toolCalls, responseChars int) bool {
	if l.cfg.Enabled != nil && !*l.cfg.Enabled {
		return false
	}
	return toolCalls >= 1 && responseChars >= l.cfg.MinResponseChars
}

// Extract asks the light model for a draft entry and stores it. A nil
// entry with nil error means the model judged the session not worth
// keeping. The caller emits the suggestion event.
func (l *Lifecycle) Extract(ctx context.Context, userID, sessionID string, history []*models.Message) (*models.PlaybookEntry, error) {
	if l.adapter == nil {
		return nil, nil
	}
	transcript := renderTranscript(history)
	if transcript == "" {
		return nil, nil
	}
	req := &providers.Request{
		Model:     l.model,
		System:    extractPrompt,
		Messages:  []*models.Message{models.NewUserMessage("", transcript)},
		MaxTokens: 600,
	}
	deltas, err := l.adapter.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("playbook extraction call: %w", err)
	}
	answer, err := collectText(ctx, deltas)
	if err != nil {
		return nil, err
	}

	draft, err := parseDraft(answer)
	if err != nil || draft == nil {
		return nil, err
	}
	draft.UserID = userID
	draft.SourceSessionID = sessionID
	draft.Status = models.PlaybookDraft
	if err := l.store.Add(ctx, draft); err != nil {
		return nil, fmt.Errorf("store playbook draft: %w", err)
	}
	return draft, nil
}

// Approve transitions a draft to APPROVED: the description is regenerated
// by the light model (falling back to the original on failure) and the
// vector index is upserted delete-then-add so a re-approval never leaves
// a stale duplicate behind. Entries belonging to another user read as
// not found.
func (l *Lifecycle) Approve(ctx context.Context, userID, id string) (*models.PlaybookEntry, error) {
	entry, err := l.get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if refined, err := l.refineDescription(ctx, entry.Description); err == nil && refined != "" {
		entry.Description = refined
	} else if err != nil {
		l.logger.Debug("description refinement failed, keeping original", "id", id, "error", err)
	}
	entry.Status = models.PlaybookApproved
	if err := l.store.Update(ctx, entry); err != nil {
		return nil, err
	}
	if l.vector != nil {
		if err := l.vector.Upsert(ctx, indexDoc(entry)); err != nil {
			l.logger.Warn("playbook index upsert failed", "id", id, "error", err)
		}
	}
	return entry, nil
}

// Reject transitions a draft to REJECTED and removes any index entry.
func (l *Lifecycle) Reject(ctx context.Context, userID, id string) error {
	entry, err := l.get(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := l.store.SetStatus(ctx, id, models.PlaybookRejected); err != nil {
		return err
	}
	if l.vector != nil {
		if err := l.vector.Delete(ctx, entry.UserID, id); err != nil {
			l.logger.Debug("playbook index delete failed", "id", id, "error", err)
		}
	}
	return nil
}

// get loads an entry and enforces ownership. Cross-user lookups are
// indistinguishable from missing entries.
func (l *Lifecycle) get(ctx context.Context, userID, id string) (*models.PlaybookEntry, error) {
	entry, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && entry.UserID != userID {
		return nil, fmt.Errorf("playbook %s: %w", id, ErrNotFound)
	}
	return entry, nil
}

func (l *Lifecycle) refineDescription(ctx context.Context, description string) (string, error) {
	if l.adapter == nil {
		return "", nil
	}
	req := &providers.Request{
		Model:     l.model,
		System:    refinePrompt,
		Messages:  []*models.Message{models.NewUserMessage("", description)},
		MaxTokens: 200,
	}
	deltas, err := l.adapter.Send(ctx, req)
	if err != nil {
		return "", err
	}
	answer, err := collectText(ctx, deltas)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// indexDoc shapes an entry for the vector store: the searchable text is
// title, description and tags together, keyed by the entry id.
func indexDoc(e *models.PlaybookEntry) *models.MemoryFragment {
	parts := []string{e.Title, e.Description}
	if len(e.Tags) > 0 {
		parts = append(parts, strings.Join(e.Tags, " "))
	}
	return &models.MemoryFragment{
		ID:        e.ID,
		UserID:    e.UserID,
		Content:   strings.TrimSpace(strings.Join(parts, "\n")),
		Category:  e.TaskType,
		Source:    "playbook",
		CreatedAt: e.CreatedAt,
	}
}

func parseDraft(answer string) (*models.PlaybookEntry, error) {
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in extraction answer")
	}
	var parsed struct {
		Skip        bool     `json:"skip"`
		TaskType    string   `json:"task_type"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Steps       []string `json:"steps"`
		Tags        []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(answer[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("parse extraction answer: %w", err)
	}
	if parsed.Skip || strings.TrimSpace(parsed.Description) == "" {
		return nil, nil
	}
	if parsed.TaskType == "" {
		parsed.TaskType = "general"
	}
	return &models.PlaybookEntry{
		TaskType:    parsed.TaskType,
		Title:       strings.TrimSpace(parsed.Title),
		Description: strings.TrimSpace(parsed.Description),
		Steps:       parsed.Steps,
		Tags:        parsed.Tags,
	}, nil
}

// renderTranscript flattens the session into labelled plain text, tool
// activity included so the strategy can reference it.
func renderTranscript(history []*models.Message) string {
	var b strings.Builder
	for _, m := range history {
		for _, block := range m.Blocks {
			switch block.Type {
			case models.BlockText:
				if m.Role == models.RoleUser {
					b.WriteString("User: ")
				} else {
					b.WriteString("Assistant: ")
				}
				b.WriteString(clip(block.Text, 800))
				b.WriteString("\n")
			case models.BlockToolUse:
				fmt.Fprintf(&b, "Tool call: %s %s\n", block.Name, clip(string(block.Input), 200))
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

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
