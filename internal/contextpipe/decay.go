package contextpipe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

// SummaryMetadataKey marks the synthetic message carrying the decay
// summary. The message exists only in the assembled view, never in
// persisted history.
const SummaryMetadataKey = "petrel_summary"

// CoversUntilKey records the ID of the last message the summary covers.
const CoversUntilKey = "covers_until"

// Summarizer produces the rolling summary paragraph for the oldest decay
// zone. internal/agent wires a small-model provider call; tests inject
// fakes.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*models.Message, maxTokens int) (string, error)
}

// maxSummaryCacheEntries bounds the per-conversation summary cache.
const maxSummaryCacheEntries = 256

type summaryEntry struct {
	key  string
	text string
}

// Decayer partitions history turns into three age zones: the most recent
// turns stay verbatim, the next zone folds tool pairs into one-line
// conclusions and images into alt text, and everything older collapses into
// a single summary paragraph. Summaries are cached per conversation and
// regenerated only when the fold boundary advances.
type Decayer struct {
	cfg        config.DecayConfig
	counter    *Counter
	summarizer Summarizer
	logger     *slog.Logger

	mu        sync.Mutex
	summaries map[string]summaryEntry
}

// NewDecayer builds a decayer. summarizer may be nil; the deterministic
// digest fallback is used instead.
func NewDecayer(cfg config.DecayConfig, counter *Counter, summarizer Summarizer, logger *slog.Logger) *Decayer {
	if counter == nil {
		counter = NewHeuristicCounter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decayer{
		cfg:        cfg,
		counter:    counter,
		summarizer: summarizer,
		logger:     logger.With("component", "decay"),
		summaries:  make(map[string]summaryEntry),
	}
}

// Decay returns the assembled view of history. The input slice is never
// modified; unchanged messages are shared.
func (d *Decayer) Decay(ctx context.Context, history []*models.Message) []*models.Message {
	groups := groupTurns(history)
	if len(groups) <= d.cfg.KeepTurns {
		return history
	}

	fullStart := len(groups) - d.cfg.KeepTurns
	foldStart := fullStart - d.cfg.FoldTurns
	if foldStart < 0 {
		foldStart = 0
	}

	var out []*models.Message
	if foldStart > 0 {
		if sum := d.summaryMessage(ctx, groups[:foldStart]); sum != nil {
			out = append(out, sum)
		}
	}
	for _, g := range groups[foldStart:fullStart] {
		out = append(out, foldTurn(g)...)
	}
	for _, g := range groups[fullStart:] {
		out = append(out, g...)
	}
	return out
}

// groupTurns partitions history into turn groups. A group starts at each
// user message that carries something other than tool results; tool-result
// messages and assistant messages belong to the group of the user turn
// that caused them.
func groupTurns(history []*models.Message) [][]*models.Message {
	var groups [][]*models.Message
	var cur []*models.Message
	for _, m := range history {
		if m == nil {
			continue
		}
		if m.Role == models.RoleUser && !isToolResultOnly(m) && len(cur) > 0 {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, m)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func isToolResultOnly(m *models.Message) bool {
	if len(m.Blocks) == 0 {
		return false
	}
	for _, b := range m.Blocks {
		if b.Type != models.BlockToolResult {
			return false
		}
	}
	return true
}

// foldTurn collapses one turn group: tool_use/tool_result pairs become
// one-line conclusions on the assistant message, thinking is dropped,
// images become alt text, and the emptied tool-result messages disappear.
func foldTurn(group []*models.Message) []*models.Message {
	results := make(map[string]*models.Block)
	for _, m := range group {
		if m == nil || m.Role != models.RoleUser {
			continue
		}
		for i := range m.Blocks {
			b := &m.Blocks[i]
			if b.Type == models.BlockToolResult && b.ToolUseID != "" {
				results[b.ToolUseID] = b
			}
		}
	}

	var out []*models.Message
	for _, m := range group {
		if m == nil {
			continue
		}
		if m.Role == models.RoleUser && isToolResultOnly(m) {
			continue
		}
		folded := foldMessage(m, results)
		if folded != nil {
			out = append(out, folded)
		}
	}
	return out
}

func foldMessage(m *models.Message, results map[string]*models.Block) *models.Message {
	var blocks []models.Block
	for _, b := range m.Blocks {
		switch b.Type {
		case models.BlockText:
			blocks = append(blocks, b)
		case models.BlockThinking:
			// dropped; reasoning is never replayed
		case models.BlockToolUse:
			blocks = append(blocks, models.TextBlock(foldPair(&b, results[b.ID])))
		case models.BlockToolResult:
			// mixed-content user message; the pair line on the
			// assistant side already covers it
		case models.BlockImage:
			blocks = append(blocks, models.TextBlock(imageAlt(b.Source)))
		}
	}
	if len(blocks) == 0 {
		return nil
	}
	folded := m.Clone()
	folded.Blocks = blocks
	return folded
}

func foldPair(use *models.Block, result *models.Block) string {
	outcome := "no result"
	if result != nil {
		status := "ok"
		if result.IsError {
			status = "failed"
		}
		outcome = status
		if line := firstLine(result.Content); line != "" {
			outcome = fmt.Sprintf("%s: %s", status, clampChars(line, 160))
		}
	}
	return fmt.Sprintf("[%s → %s]", use.Name, outcome)
}

func imageAlt(src *models.ImageSource) string {
	if src == nil {
		return "[image]"
	}
	if src.Alt != "" {
		return fmt.Sprintf("[image: %s]", src.Alt)
	}
	return fmt.Sprintf("[image: %s]", src.MediaType)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// summaryMessage returns the synthetic message replacing the oldest zone,
// regenerating the paragraph only when the covered range has grown.
func (d *Decayer) summaryMessage(ctx context.Context, groups [][]*models.Message) *models.Message {
	var covered []*models.Message
	for _, g := range groups {
		covered = append(covered, g...)
	}
	if len(covered) == 0 {
		return nil
	}
	last := covered[len(covered)-1]
	conv := covered[0].ConversationID
	key := fmt.Sprintf("%d:%s:%d", len(covered), last.ID, last.CreatedAt.UnixNano())

	d.mu.Lock()
	entry, ok := d.summaries[conv]
	d.mu.Unlock()

	text := entry.text
	if !ok || entry.key != key {
		text = d.generate(ctx, conv, covered, key)
	}

	return &models.Message{
		ConversationID: conv,
		Role:           models.RoleUser,
		Blocks:         []models.Block{models.TextBlock("Summary of the conversation so far:\n" + text)},
		Metadata: map[string]any{
			SummaryMetadataKey: true,
			CoversUntilKey:     last.ID,
		},
	}
}

func (d *Decayer) generate(ctx context.Context, conv string, covered []*models.Message, key string) string {
	if d.summarizer != nil {
		text, err := d.summarizer.Summarize(ctx, covered, d.cfg.SummaryBudget)
		if err == nil && text != "" {
			text, _ = d.counter.Truncate(text, d.cfg.SummaryBudget)
			d.store(conv, summaryEntry{key: key, text: text})
			return text
		}
		if err != nil {
			d.logger.Warn("summary generation failed, using digest", "error", err)
		}
	}
	// Deterministic fallback; not cached so a working summarizer gets
	// another chance next turn.
	text, _ := d.counter.Truncate(digestTurns(groupTurns(covered)), d.cfg.SummaryBudget)
	return text
}

func (d *Decayer) store(conv string, entry summaryEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.summaries[conv]; !ok && len(d.summaries) >= maxSummaryCacheEntries {
		for k := range d.summaries {
			delete(d.summaries, k)
			break
		}
	}
	d.summaries[conv] = entry
}

// digestTurns renders a mechanical per-turn digest used when no summarizer
// is available.
func digestTurns(groups [][]*models.Message) string {
	var sb strings.Builder
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		opener := ""
		tools := 0
		failed := 0
		for _, m := range g {
			if m == nil {
				continue
			}
			if opener == "" && m.Role == models.RoleUser && !isToolResultOnly(m) {
				opener = firstLine(m.Text())
			}
			for _, b := range m.Blocks {
				switch b.Type {
				case models.BlockToolUse:
					tools++
				case models.BlockToolResult:
					if b.IsError {
						failed++
					}
				}
			}
		}
		if opener == "" {
			opener = "(no user text)"
		}
		sb.WriteString("- ")
		sb.WriteString(clampChars(opener, 120))
		if tools > 0 {
			fmt.Fprintf(&sb, " (%d tool calls", tools)
			if failed > 0 {
				fmt.Fprintf(&sb, ", %d failed", failed)
			}
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BuildSummaryPrompt renders covered messages into the instruction given to
// the summarizing model.
func BuildSummaryPrompt(messages []*models.Message, maxTokens int) string {
	var sb strings.Builder
	sb.WriteString("Summarize this conversation segment in one paragraph of at most ")
	fmt.Fprintf(&sb, "%d tokens. Keep decisions, outcomes, open tasks and tool failures.\n\n", maxTokens)
	for _, m := range messages {
		if m == nil {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, clampChars(m.Text(), 400))
		for _, b := range m.Blocks {
			switch b.Type {
			case models.BlockToolUse:
				fmt.Fprintf(&sb, "  [called %s]\n", b.Name)
			case models.BlockToolResult:
				status := "ok"
				if b.IsError {
					status = "error"
				}
				fmt.Fprintf(&sb, "  [result (%s): %s]\n", status, clampChars(b.Content, 200))
			}
		}
	}
	sb.WriteString("\nSummary:")
	return sb.String()
}
