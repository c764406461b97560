package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/internal/providers"
	"github.com/petrelhq/petrel/pkg/models"
)

const classifyPrompt = `Classify the user request. Answer with one JSON object and nothing else:
{"complexity":"simple|medium|complex","skill_groups":["coding","writing","research","data_analysis","files","shell"],"skip_memory":bool,"is_follow_up":bool}
skill_groups lists only groups the request clearly needs; it may be empty.
skip_memory is true for greetings and small talk that gain nothing from user memory.
is_follow_up is true when the request depends on the previous turns.`

// Options wires an analyzer.
type Options struct {
	// Adapter answers the model layer. Nil (or DisableModel) drops that
	// layer, leaving exact, semantic and keyword.
	Adapter providers.Adapter

	// Model is the provider-specific model id for the intent role.
	Model string

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Now is injectable for cache-expiry tests. Defaults to time.Now.
	Now func() time.Time
}

// Analyzer classifies incoming turns through four layers: exact cache,
// near-duplicate cache, bounded model call, keyword fallback.
type Analyzer struct {
	cfg     config.IntentConfig
	adapter providers.Adapter
	model   string
	cache   *resultCache
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New builds an analyzer.
func New(cfg config.IntentConfig, opts Options) *Analyzer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	adapter := opts.Adapter
	if cfg.DisableModel {
		adapter = nil
	}
	return &Analyzer{
		cfg:     cfg,
		adapter: adapter,
		model:   opts.Model,
		cache:   newResultCache(cfg.TTL, cfg.CacheSize, cfg.SemanticThreshold),
		metrics: opts.Metrics,
		logger:  logger.With("component", "intent"),
		now:     now,
	}
}

// Analyze classifies the conversation's last user turn. It never returns an
// error: every failure degrades to the keyword layer.
func (a *Analyzer) Analyze(ctx context.Context, messages []*models.Message) *models.IntentResult {
	text := lastUserText(messages)
	if text == "" {
		result := models.IntentResult{
			Complexity: models.ComplexitySimple,
			Source:     models.IntentSourceKeyword,
			AnalyzedAt: a.now().UTC(),
		}
		return &result
	}

	// Stop and rollback commands bypass every cache so they cannot be
	// masked by a stale entry for similar text.
	if stop, rollback := DetectSignals(text); stop || rollback {
		result := ClassifyKeywords(text)
		result.AnalyzedAt = a.now().UTC()
		a.record(result.Source, "signal")
		return &result
	}

	now := a.now()
	if result, ok := a.cache.getExact(text, now); ok {
		result.Source = models.IntentSourceExact
		result.AnalyzedAt = now.UTC()
		a.record(result.Source, "hit")
		return &result
	}
	if result, ok := a.cache.getSimilar(text, now); ok {
		result.Source = models.IntentSourceSemantic
		result.AnalyzedAt = now.UTC()
		a.record(result.Source, "hit")
		return &result
	}

	if a.adapter != nil {
		if result, err := a.classifyWithModel(ctx, text, messages); err == nil {
			result.Source = models.IntentSourceModel
			result.AnalyzedAt = now.UTC()
			a.cache.put(text, *result, now)
			a.record(result.Source, "ok")
			return result
		} else {
			a.logger.Debug("model classification fell back to keywords", "error", err)
			a.record(models.IntentSourceModel, "fallback")
		}
	}

	result := ClassifyKeywords(text)
	result.AnalyzedAt = now.UTC()
	a.cache.put(text, result, now)
	a.record(result.Source, "ok")
	return &result
}

func (a *Analyzer) record(source models.IntentSource, status string) {
	if a.metrics != nil {
		a.metrics.RecordIntentLookup(string(source), status)
	}
}

// classifyWithModel asks the small intent model, bounded by the configured
// timeout. The deadline is soft: on expiry the caller answers from keywords
// while the request context is abandoned.
func (a *Analyzer) classifyWithModel(ctx context.Context, text string, messages []*models.Message) (*models.IntentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	prompt := text
	if prior := priorUserText(messages); prior != "" {
		prompt = "Previous request: " + clamp(prior, 200) + "\n\nCurrent request: " + text
	}
	req := &providers.Request{
		Model:     a.model,
		System:    classifyPrompt,
		Messages:  []*models.Message{models.NewUserMessage("", clamp(prompt, 2000))},
		MaxTokens: 200,
	}
	deltas, err := a.adapter.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case delta, ok := <-deltas:
			if !ok {
				return parseModelResult(out.String())
			}
			switch delta.Kind {
			case models.DeltaContentDelta:
				out.WriteString(delta.Text)
			case models.DeltaError:
				return nil, delta.Err
			}
		}
	}
}

// parseModelResult extracts the JSON object from the model answer, which may
// wrap it in prose or a code fence.
func parseModelResult(answer string) (*models.IntentResult, error) {
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model answer %q", clamp(answer, 120))
	}
	var parsed struct {
		Complexity  string   `json:"complexity"`
		SkillGroups []string `json:"skill_groups"`
		SkipMemory  bool     `json:"skip_memory"`
		IsFollowUp  bool     `json:"is_follow_up"`
	}
	if err := json.Unmarshal([]byte(answer[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("parse model answer: %w", err)
	}

	result := &models.IntentResult{
		SkillGroups: parsed.SkillGroups,
		SkipMemory:  parsed.SkipMemory,
		IsFollowUp:  parsed.IsFollowUp,
	}
	switch models.Complexity(parsed.Complexity) {
	case models.ComplexitySimple, models.ComplexityMedium, models.ComplexityComplex:
		result.Complexity = models.Complexity(parsed.Complexity)
	default:
		result.Complexity = models.ComplexityMedium
	}
	sortGroups(result.SkillGroups)
	return result, nil
}

func lastUserText(messages []*models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			if text := messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

// priorUserText returns the user turn before the last one, for follow-up
// detection context.
func priorUserText(messages []*models.Message) string {
	seen := false
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != models.RoleUser {
			continue
		}
		text := messages[i].Text()
		if text == "" {
			continue
		}
		if !seen {
			seen = true
			continue
		}
		return text
	}
	return ""
}

func clamp(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
