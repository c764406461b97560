package contextpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

// ScratchpadWriter persists full tool output under a content-addressed key.
// internal/scratchpad provides the production implementation.
type ScratchpadWriter interface {
	Write(ctx context.Context, content []byte) (ref string, err error)
}

type resultKind int

const (
	kindGeneric resultKind = iota
	kindSearch
	kindFile
	kindExec
)

const (
	// maxSummaryLineChars clamps individual lines quoted into a summary.
	maxSummaryLineChars = 200

	genericHeadChars = 600
	genericTailChars = 400
)

// Compressor replaces oversized tool results with a per-kind summary and a
// scratchpad reference. Results at or under the threshold pass through
// verbatim.
type Compressor struct {
	cfg    config.CompressionConfig
	pad    ScratchpadWriter
	logger *slog.Logger
}

// NewCompressor builds a compressor. pad may be nil, in which case results
// are never compressed (full content is worth more than the budget).
func NewCompressor(cfg config.CompressionConfig, pad ScratchpadWriter, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{cfg: cfg, pad: pad, logger: logger.With("component", "compressor")}
}

// Threshold returns the compression threshold in chars.
func (c *Compressor) Threshold() int {
	return c.cfg.ThresholdChars
}

// Compress summarizes one oversized result. use is the matching tool_use
// block when known; it names the tool and carries the input the summary can
// cite (file path, command). Returns the replacement content, the
// scratchpad ref, and whether compression applied. A result that fits, or
// whose full content cannot be persisted, comes back unchanged.
func (c *Compressor) Compress(ctx context.Context, use *models.Block, content string) (string, string, bool) {
	if len(content) <= c.cfg.ThresholdChars || c.pad == nil {
		return content, "", false
	}

	ref, err := c.pad.Write(ctx, []byte(content))
	if err != nil {
		c.logger.Warn("scratchpad write failed, keeping full result", "error", err)
		return content, "", false
	}

	toolName := ""
	if use != nil {
		toolName = use.Name
	}
	summary := c.summarize(toolName, use, content)
	summary = clampChars(summary, c.cfg.ThresholdChars)
	summary += fmt.Sprintf("\n[full output (%d chars) stored at %s; read_scratchpad retrieves it]", len(content), ref)
	return summary, ref, true
}

// CompressHistory applies Compress to every tool result in the slice,
// copy-on-write. Blocks that already carry a scratchpad ref are left alone,
// so the pass is idempotent across turns.
func (c *Compressor) CompressHistory(ctx context.Context, history []*models.Message) []*models.Message {
	if c.pad == nil {
		return history
	}
	uses := toolUsesByID(history)

	var out []*models.Message
	for i, msg := range history {
		if msg == nil {
			continue
		}
		var replaced *models.Message
		for j, b := range msg.Blocks {
			if b.Type != models.BlockToolResult || b.ScratchpadRef != "" {
				continue
			}
			if len(b.Content) <= c.cfg.ThresholdChars {
				continue
			}
			summary, ref, ok := c.Compress(ctx, uses[b.ToolUseID], b.Content)
			if !ok {
				continue
			}
			if replaced == nil {
				replaced = msg.Clone()
			}
			replaced.Blocks[j].Content = summary
			replaced.Blocks[j].ScratchpadRef = ref
		}
		if replaced != nil {
			if out == nil {
				out = make([]*models.Message, len(history))
				copy(out, history)
			}
			out[i] = replaced
		}
	}
	if out != nil {
		return out
	}
	return history
}

func (c *Compressor) summarize(toolName string, use *models.Block, content string) string {
	switch classifyResult(toolName) {
	case kindSearch:
		if s, ok := c.summarizeSearch(content); ok {
			return s
		}
	case kindFile:
		return c.summarizeFile(use, content)
	case kindExec:
		return c.summarizeExec(content)
	}
	return summarizeGeneric(content)
}

func classifyResult(toolName string) resultKind {
	name := strings.ToLower(toolName)
	switch {
	case strings.Contains(name, "search") || strings.Contains(name, "find"):
		return kindSearch
	case strings.Contains(name, "read") || strings.Contains(name, "file") || strings.Contains(name, "cat"):
		return kindFile
	case strings.Contains(name, "exec") || strings.Contains(name, "shell") ||
		strings.Contains(name, "bash") || strings.Contains(name, "run") ||
		strings.Contains(name, "code") || strings.Contains(name, "command"):
		return kindExec
	default:
		return kindGeneric
	}
}

type searchEntry struct {
	Title       string `json:"title"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Link        string `json:"link"`
	Snippet     string `json:"snippet"`
	Description string `json:"description"`
}

func (e *searchEntry) title() string {
	if e.Title != "" {
		return e.Title
	}
	return e.Name
}

func (e *searchEntry) snippet() string {
	if e.Snippet != "" {
		return e.Snippet
	}
	return e.Description
}

func (e *searchEntry) url() string {
	if e.URL != "" {
		return e.URL
	}
	return e.Link
}

// summarizeSearch keeps the top-k title+snippet entries of a JSON-shaped
// search result. Results that do not parse fall through to the generic
// summary.
func (c *Compressor) summarizeSearch(content string) (string, bool) {
	var entries []searchEntry
	if err := json.Unmarshal([]byte(content), &entries); err != nil {
		var wrapped struct {
			Results []searchEntry `json:"results"`
		}
		if err := json.Unmarshal([]byte(content), &wrapped); err != nil || len(wrapped.Results) == 0 {
			return "", false
		}
		entries = wrapped.Results
	}
	if len(entries) == 0 {
		return "", false
	}

	topK := c.cfg.SearchTopK
	kept := entries
	if len(kept) > topK {
		kept = kept[:topK]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d search results, top %d:\n", len(entries), len(kept))
	for _, e := range kept {
		title := e.title()
		if title == "" {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(clampChars(title, maxSummaryLineChars))
		if s := e.snippet(); s != "" {
			sb.WriteString(" — ")
			sb.WriteString(clampChars(s, maxSummaryLineChars))
		}
		if u := e.url(); u != "" {
			sb.WriteString(" (")
			sb.WriteString(u)
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), true
}

// summarizeFile keeps the head of a file read plus the path and size.
func (c *Compressor) summarizeFile(use *models.Block, content string) string {
	lines := strings.Split(content, "\n")
	head := lines
	if len(head) > c.cfg.FileHeadLines {
		head = head[:c.cfg.FileHeadLines]
	}

	var sb strings.Builder
	if path := pathFromInput(use); path != "" {
		fmt.Fprintf(&sb, "%s ", path)
	}
	fmt.Fprintf(&sb, "(%d bytes, %d lines), first %d:\n", len(content), len(lines), len(head))
	for _, l := range head {
		sb.WriteString(clampChars(l, maxSummaryLineChars))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// summarizeExec keeps the tail of command output, where exit status and
// errors usually are.
func (c *Compressor) summarizeExec(content string) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	tail := lines
	if len(tail) > c.cfg.ExecTailLines {
		tail = tail[len(tail)-c.cfg.ExecTailLines:]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d output lines, last %d:\n", len(lines), len(tail))
	for _, l := range tail {
		sb.WriteString(clampChars(l, maxSummaryLineChars))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func summarizeGeneric(content string) string {
	if len(content) <= genericHeadChars+genericTailChars {
		return content
	}
	head := content[:genericHeadChars]
	tail := content[len(content)-genericTailChars:]
	return fmt.Sprintf("%s\n... (%d chars elided) ...\n%s", head, len(content)-genericHeadChars-genericTailChars, tail)
}

func pathFromInput(use *models.Block) string {
	if use == nil || len(use.Input) == 0 {
		return ""
	}
	var in map[string]any
	if err := json.Unmarshal(use.Input, &in); err != nil {
		return ""
	}
	for _, key := range []string{"path", "file_path", "filename", "file"} {
		if v, ok := in[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func toolUsesByID(history []*models.Message) map[string]*models.Block {
	uses := make(map[string]*models.Block)
	for _, msg := range history {
		if msg == nil || msg.Role != models.RoleAssistant {
			continue
		}
		for i := range msg.Blocks {
			b := &msg.Blocks[i]
			if b.Type == models.BlockToolUse && b.ID != "" {
				uses[b.ID] = b
			}
		}
	}
	return uses
}

func clampChars(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
