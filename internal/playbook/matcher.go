package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/contextpipe"
	"github.com/petrelhq/petrel/internal/memory"
	"github.com/petrelhq/petrel/pkg/models"
)

// VectorNamespace scopes playbook embeddings apart from memory fragments
// in the shared vector store.
const VectorNamespace = "playbook"

// Matcher finds the one strategy hint worth injecting for a new task. Two
// layers: candidate filtering by task-type tag and staleness, then
// semantic ranking with a minimum score gate; top-1 wins.
type Matcher struct {
	cfg    config.PlaybookConfig
	store  Store
	vector *memory.VectorStore
	logger *slog.Logger
	now    func() time.Time
}

func NewMatcher(cfg config.PlaybookConfig, store Store, vector *memory.VectorStore, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		cfg:    cfg,
		store:  store,
		vector: vector,
		logger: logger.With("component", "playbook"),
		now:    time.Now,
	}
}

// Match returns the best matching approved entry, or nil when nothing
// clears both layers. The winner's usage counters are bumped so staleness
// reflects injection, not creation.
func (m *Matcher) Match(ctx context.Context, userID, taskType, query string) (*models.PlaybookEntry, error) {
	if m.cfg.Enabled != nil && !*m.cfg.Enabled {
		return nil, nil
	}
	candidates, err := m.store.Candidates(ctx, userID, taskType)
	if err != nil {
		return nil, fmt.Errorf("playbook candidates: %w", err)
	}

	now := m.now()
	live := map[string]*models.PlaybookEntry{}
	for _, e := range candidates {
		if e.Stale(now, m.cfg.StaleAfter) {
			continue
		}
		live[e.ID] = e
	}
	if len(live) == 0 {
		return nil, nil
	}

	// Without a semantic layer the score gate cannot be evaluated, so no
	// hint is injected rather than an unranked one.
	if m.vector == nil || query == "" {
		return nil, nil
	}
	hits, err := m.vector.Search(ctx, userID, query, len(live))
	if err != nil {
		m.logger.Debug("playbook semantic search failed", "error", err)
		return nil, nil
	}
	for _, h := range hits {
		if h.Score < m.cfg.MinScore {
			break
		}
		entry, ok := live[h.Fragment.ID]
		if !ok {
			continue
		}
		if err := m.store.Touch(ctx, entry.ID, now); err != nil {
			m.logger.Warn("playbook touch failed", "id", entry.ID, "error", err)
		}
		return entry, nil
	}
	return nil, nil
}

// Hint renders the injected fragment. The phrasing makes the hint
// explicitly skippable so a bad match cannot steer the model off a
// correct plan.
func Hint(e *models.PlaybookEntry) string {
	var b strings.Builder
	b.WriteString("A strategy from a similar past task. Use it only if it fits; ignore it if your confidence in it is low or it conflicts with the current request.\n")
	if e.Title != "" {
		b.WriteString("Strategy: " + e.Title + "\n")
	}
	b.WriteString(e.Description)
	if len(e.Steps) > 0 {
		b.WriteString("\nSteps:")
		for i, s := range e.Steps {
			fmt.Fprintf(&b, "\n%d. %s", i+1, s)
		}
	}
	return b.String()
}

// Source adapts matching into the pipeline's phase 2 playbook slot.
func (m *Matcher) Source() contextpipe.SourceFunc {
	return func(ctx context.Context, in *contextpipe.Input) (string, error) {
		taskType := ""
		if in.Intent != nil && len(in.Intent.SkillGroups) > 0 {
			taskType = in.Intent.SkillGroups[0]
		}
		entry, err := m.Match(ctx, in.UserID, taskType, lastUserText(in.History))
		if err != nil {
			m.logger.Debug("playbook match failed", "error", err)
			return "", nil
		}
		if entry == nil {
			return "", nil
		}
		return Hint(entry), nil
	}
}

func lastUserText(history []*models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			if text := history[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
