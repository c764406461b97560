package contextpipe

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

// Options carries the pipeline's collaborators.
type Options struct {
	// Counter overrides the tokenizer named in config. Nil loads the
	// configured encoding, falling back to the heuristic counter.
	Counter *Counter

	// Scratchpad persists compressed tool output. Nil disables
	// compression.
	Scratchpad ScratchpadWriter

	// Summarizer generates the decay summary. Nil uses the digest
	// fallback.
	Summarizer Summarizer

	Logger *slog.Logger
}

// Pipeline owns prompt assembly for a process: a registered injector set
// plus the history transformations. One pipeline serves all sessions;
// Assemble is safe for concurrent use once registration is done.
type Pipeline struct {
	cfg        config.ContextConfig
	counter    *Counter
	compressor *Compressor
	decayer    *Decayer
	logger     *slog.Logger

	mu        sync.RWMutex
	injectors []Injector
}

// New builds a pipeline from the context configuration.
func New(cfg config.ContextConfig, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "contextpipe")

	counter := opts.Counter
	if counter == nil {
		c, err := NewCounter(cfg.Tokenizer)
		if err != nil {
			logger.Warn("tokenizer unavailable, using heuristic counts", "encoding", cfg.Tokenizer, "error", err)
			c = NewHeuristicCounter()
		}
		counter = c
	}

	return &Pipeline{
		cfg:        cfg,
		counter:    counter,
		compressor: NewCompressor(cfg.Compression, opts.Scratchpad, logger),
		decayer:    NewDecayer(cfg.Decay, counter, opts.Summarizer, logger),
		logger:     logger,
	}
}

// Counter exposes the pipeline's token counter so callers budget with the
// same arithmetic.
func (p *Pipeline) Counter() *Counter {
	return p.counter
}

// Compressor exposes the tool-result compressor; the tool executor applies
// it when persisting results so stored history is already compressed.
func (p *Pipeline) Compressor() *Compressor {
	return p.compressor
}

// Register adds injectors. Order of registration does not matter; assembly
// orders by phase, then priority, then name.
func (p *Pipeline) Register(injs ...Injector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injectors = append(p.injectors, injs...)
}

// RegisterBuiltin registers the standard injector set against the
// configured budgets. The three phase 2 sources may be nil; their
// injectors then contribute nothing.
func (p *Pipeline) RegisterBuiltin(memory, knowledge, playbook SourceFunc) {
	b := p.cfg.Budgets
	p.Register(
		&PersonaInjector{Budget: b.Persona},
		&ToolCatalogInjector{Budget: b.Tools},
		&SkillInstructionsInjector{Budget: b.Skills},
		NewMemoryInjector(b.Memory, memory),
		NewKnowledgeInjector(b.Knowledge, knowledge),
		NewPlaybookInjector(b.Playbook, playbook),
		&PlanInjector{Budget: b.Plan},
		&RecentErrorsInjector{Budget: b.Errors},
		&GoalInjector{},
	)
}

// Assembly is the assembled prompt for one turn.
type Assembly struct {
	// System is the joined system fragments in phase order.
	System string

	// Messages is the transformed history, goal restatement appended.
	Messages []*models.Message

	// Fragments records each injector's contribution in assembly order.
	Fragments []Fragment

	// HistoryTokens is the token count of Messages.
	HistoryTokens int
}

// TotalTokens returns the token estimate for the whole prompt.
func (a *Assembly) TotalTokens() int {
	total := a.HistoryTokens
	for _, f := range a.Fragments {
		total += f.Tokens
	}
	return total
}

// Assemble produces the prompt for one turn: compress, decay and fit the
// history, then run the injectors in phase order. Injector failures are
// logged and skipped; assembly itself only fails on unusable input.
func (p *Pipeline) Assemble(ctx context.Context, in *Input) (*Assembly, error) {
	if in == nil {
		return nil, errors.New("contextpipe: nil input")
	}

	history := p.compressor.CompressHistory(ctx, in.History)
	history = p.decayer.Decay(ctx, history)
	history, histTokens := p.fitHistory(history)

	frags := p.run(ctx, in)

	var system []string
	var tail []Fragment
	for _, f := range frags {
		if f.Target == TargetUserTail {
			tail = append(tail, f)
			continue
		}
		system = append(system, f.Text)
	}
	if len(tail) > 0 {
		history = appendToLastUser(history, tail)
	}

	return &Assembly{
		System:        strings.Join(system, "\n\n"),
		Messages:      history,
		Fragments:     frags,
		HistoryTokens: histTokens,
	}, nil
}

// run executes the injectors in (phase, priority, name) order, truncating
// each fragment to its declared budget.
func (p *Pipeline) run(ctx context.Context, in *Input) []Fragment {
	p.mu.RLock()
	injs := make([]Injector, len(p.injectors))
	copy(injs, p.injectors)
	p.mu.RUnlock()

	sort.SliceStable(injs, func(i, j int) bool {
		di, dj := injs[i].Descriptor(), injs[j].Descriptor()
		if di.Phase != dj.Phase {
			return di.Phase < dj.Phase
		}
		if di.Priority != dj.Priority {
			return di.Priority < dj.Priority
		}
		return di.Name < dj.Name
	})

	var frags []Fragment
	for _, inj := range injs {
		d := inj.Descriptor()
		text, err := inj.Inject(ctx, in)
		if err != nil {
			p.logger.Warn("injector failed, skipping", "injector", d.Name, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		text, truncated := p.counter.Truncate(text, d.TokenBudget)
		frags = append(frags, Fragment{
			Name:      d.Name,
			Phase:     d.Phase,
			Class:     d.CacheClass,
			Target:    d.Target,
			Text:      text,
			Tokens:    p.counter.Count(text),
			Truncated: truncated,
		})
	}
	return frags
}

// fitHistory drops the oldest turn groups until history fits its budget.
// Cutting on group boundaries keeps tool pairs intact. The newest group
// always survives, over budget or not.
func (p *Pipeline) fitHistory(history []*models.Message) ([]*models.Message, int) {
	total := p.counter.CountMessages(history)
	if total <= p.cfg.HistoryBudget {
		return history, total
	}

	groups := groupTurns(history)
	dropped := 0
	for len(groups) > 1 && total > p.cfg.HistoryBudget {
		total -= p.counter.CountMessages(groups[0])
		groups = groups[1:]
		dropped++
	}
	if dropped > 0 {
		p.logger.Debug("history over budget, dropped oldest turns", "dropped_turns", dropped, "kept_tokens", total)
	}

	var out []*models.Message
	for _, g := range groups {
		out = append(out, g...)
	}
	return out, total
}

// appendToLastUser attaches the tail fragments to the last user message,
// copy-on-write. With no user message in history the fragments are
// dropped.
func appendToLastUser(history []*models.Message, tail []Fragment) []*models.Message {
	idx := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != nil && history[i].Role == models.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return history
	}

	msg := history[idx].Clone()
	hasText := false
	for _, b := range msg.Blocks {
		if b.Type == models.BlockText {
			hasText = true
			break
		}
	}
	for _, f := range tail {
		text := f.Text
		if hasText {
			// Adapters concatenate text blocks without separators.
			text = "\n\n" + text
		}
		msg.Blocks = append(msg.Blocks, models.TextBlock(text))
		hasText = true
	}

	out := make([]*models.Message, len(history))
	copy(out, history)
	out[idx] = msg
	return out
}
