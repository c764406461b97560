// Package memory implements long-term user memory: a user-editable
// markdown file, keyword recall over stored fragments, and semantic
// recall against an embedded vector store, fused into one budgeted
// prompt fragment.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/contextpipe"
	"github.com/petrelhq/petrel/internal/store"
	"github.com/petrelhq/petrel/pkg/models"
)

// stableCategories scope keyword recall to durable user facts; transient
// task chatter never lands in these buckets.
var stableCategories = []string{"preference", "style", "fact", "project"}

// Weights scale each source's scores before fusion. The file is
// authoritative and always wins ties.
type Weights struct {
	File    float64
	Keyword float64
	Vector  float64
}

// DefaultWeights calibrate keyword below vector: FTS rank normalisation is
// cruder than cosine similarity.
var DefaultWeights = Weights{File: 1.0, Keyword: 0.6, Vector: 0.8}

// dedupThreshold is the Jaccard word overlap above which two entries count
// as the same memory.
const dedupThreshold = 0.7

// fileShare is the fraction of the recall budget reserved for the
// authoritative file before fused fragments fill the rest.
const fileShare = 0.6

// Options wires a Manager.
type Options struct {
	Store   store.Store
	Vector  *VectorStore
	Counter *contextpipe.Counter
	Weights *Weights
	Logger  *slog.Logger
}

// Manager fans recall out to the three sources and fuses the results.
type Manager struct {
	cfg     config.MemoryConfig
	file    *FileStore
	store   store.Store
	vector  *VectorStore
	counter *contextpipe.Counter
	weights Weights
	logger  *slog.Logger
}

func NewManager(cfg config.MemoryConfig, opts Options) *Manager {
	counter := opts.Counter
	if counter == nil {
		counter = contextpipe.NewHeuristicCounter()
	}
	weights := DefaultWeights
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		file:    NewFileStore(cfg.FilePath),
		store:   opts.Store,
		vector:  opts.Vector,
		counter: counter,
		weights: weights,
		logger:  logger.With("component", "memory"),
	}
}

// File exposes the markdown store for the memory tool and the doctor.
func (m *Manager) File() *FileStore {
	return m.file
}

// Recall fetches from all three sources in parallel and returns the fused,
// budget-capped memory text. Sources fail soft: an error in one source
// drops that source, never the recall.
func (m *Manager) Recall(ctx context.Context, userID, query string, budget int) (string, error) {
	if budget <= 0 {
		budget = 500
	}

	var fileEntries []string
	var keywordHits, vectorHits []models.MemoryHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := m.file.Entries(gctx)
		if err != nil {
			m.logger.Debug("file recall failed", "error", err)
			return nil
		}
		fileEntries = entries
		return nil
	})
	g.Go(func() error {
		if m.store == nil || query == "" {
			return nil
		}
		hits, err := m.store.SearchFragments(gctx, userID, query, stableCategories, m.cfg.TopK)
		if err != nil {
			m.logger.Debug("keyword recall failed", "error", err)
			return nil
		}
		keywordHits = hits
		return nil
	})
	g.Go(func() error {
		if m.vector == nil || query == "" {
			return nil
		}
		hits, err := m.vector.Search(gctx, userID, query, m.cfg.TopK)
		if err != nil {
			m.logger.Debug("vector recall failed", "error", err)
			return nil
		}
		vectorHits = hits
		return nil
	})
	_ = g.Wait()

	fused := m.fuse(keywordHits, vectorHits)
	return m.render(fileEntries, fused, budget), nil
}

// fuse weights both fragment sources, deduplicates near-identical entries
// keeping the higher score, and sorts best first.
func (m *Manager) fuse(keyword, vector []models.MemoryHit) []models.MemoryHit {
	var all []models.MemoryHit
	for _, h := range keyword {
		h.Score *= m.weights.Keyword
		all = append(all, h)
	}
	for _, h := range vector {
		h.Score *= m.weights.Vector
		all = append(all, h)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })

	var kept []models.MemoryHit
	var keptWords []map[string]struct{}
	for _, h := range all {
		words := wordSet(h.Fragment.Content)
		dup := false
		for _, kw := range keptWords {
			if jaccard(words, kw) >= dedupThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, h)
		keptWords = append(keptWords, words)
	}
	return kept
}

// render fills the budget: file entries first, in file order, up to their
// reserved share, then fused fragments by score until the budget is spent.
// File entries also suppress near-duplicate fragments.
func (m *Manager) render(fileEntries []string, fused []models.MemoryHit, budget int) string {
	var lines []string
	var lineWords []map[string]struct{}
	used := 0

	fileBudget := int(float64(budget) * fileShare)
	if len(fused) == 0 {
		fileBudget = budget
	}
	for _, entry := range fileEntries {
		cost := m.counter.Count(entry) + 2
		if used+cost > fileBudget {
			break
		}
		lines = append(lines, "- "+entry)
		lineWords = append(lineWords, wordSet(entry))
		used += cost
	}

	for _, h := range fused {
		content := strings.TrimSpace(h.Fragment.Content)
		if content == "" {
			continue
		}
		words := wordSet(content)
		dup := false
		for _, lw := range lineWords {
			if jaccard(words, lw) >= dedupThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		cost := m.counter.Count(content) + 2
		if used+cost > budget {
			continue
		}
		lines = append(lines, "- "+content)
		lineWords = append(lineWords, words)
		used += cost
	}

	return strings.Join(lines, "\n")
}

// Remember persists one extracted fragment to both fragment stores. The
// markdown file stays user-owned; extraction never writes it.
func (m *Manager) Remember(ctx context.Context, userID, content, category string) error {
	f := &models.MemoryFragment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   strings.TrimSpace(content),
		Category:  category,
		Source:    "extraction",
		CreatedAt: time.Now().UTC(),
	}
	if f.Content == "" {
		return nil
	}
	if m.store != nil {
		if err := m.store.AddFragment(ctx, f); err != nil {
			return err
		}
	}
	if m.vector != nil {
		if err := m.vector.Add(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// MemorySource adapts recall into the pipeline's phase 2 memory slot.
func (m *Manager) MemorySource(budget int) contextpipe.SourceFunc {
	return func(ctx context.Context, in *contextpipe.Input) (string, error) {
		if in.Intent != nil && in.Intent.SkipMemory {
			return "", nil
		}
		return m.Recall(ctx, in.UserID, lastUserText(in.History), budget)
	}
}

// KnowledgeSource surfaces full-text snippets from the user's other
// conversations. Hits from the current conversation are excluded; the
// history injector already carries those.
func (m *Manager) KnowledgeSource(maxSnippets int) contextpipe.SourceFunc {
	if maxSnippets <= 0 {
		maxSnippets = 3
	}
	return func(ctx context.Context, in *contextpipe.Input) (string, error) {
		if m.store == nil {
			return "", nil
		}
		query := lastUserText(in.History)
		if query == "" {
			return "", nil
		}
		matches, err := m.store.Search(ctx, in.UserID, query)
		if err != nil {
			m.logger.Debug("knowledge recall failed", "error", err)
			return "", nil
		}
		var lines []string
		for _, match := range matches {
			if match.ConversationID == in.ConversationID {
				continue
			}
			snippet := strings.TrimSpace(match.Snippet)
			if snippet == "" {
				continue
			}
			lines = append(lines, "- "+snippet)
			if len(lines) >= maxSnippets {
				break
			}
		}
		return strings.Join(lines, "\n"), nil
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

func wordSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(w, ".,!?;:\"'()")] = struct{}{}
	}
	delete(set, "")
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for w := range small {
		if _, ok := large[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
