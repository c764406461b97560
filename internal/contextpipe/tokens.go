package contextpipe

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/petrelhq/petrel/pkg/models"
)

const (
	// charsPerToken backs the heuristic counter when no encoding is
	// loaded. Roughly right for English prose across current models.
	charsPerToken = 4

	// tokensPerMessage is the per-message framing overhead added on top
	// of content tokens.
	tokensPerMessage = 4
)

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// Counter counts tokens for budget arithmetic. With a loaded encoding the
// counts are exact for that tokenizer; otherwise a chars/4 heuristic is
// used. Either way the same counter must be used for all budgets in one
// pipeline so the sums stay comparable.
type Counter struct {
	enc      *tiktoken.Tiktoken
	encoding string
}

// NewCounter loads the named tiktoken encoding, caching it process-wide.
// Loading fetches the vocabulary on first use; callers that cannot tolerate
// that fall back to NewHeuristicCounter.
func NewCounter(encoding string) (*Counter, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if enc, ok := encodingCache[encoding]; ok {
		return &Counter{enc: enc, encoding: encoding}, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %q: %w", encoding, err)
	}
	encodingCache[encoding] = enc
	return &Counter{enc: enc, encoding: encoding}, nil
}

// NewHeuristicCounter returns a counter that estimates at 4 chars per
// token. Deterministic and dependency-free; used when the encoding cannot
// be loaded and throughout tests.
func NewHeuristicCounter() *Counter {
	return &Counter{encoding: "heuristic"}
}

// Encoding names the loaded encoding, or "heuristic".
func (c *Counter) Encoding() string {
	return c.encoding
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	runes := utf8.RuneCountInString(text)
	return (runes + charsPerToken - 1) / charsPerToken
}

// CountMessage returns the token count of one message including framing
// overhead. Image payloads are not tokenized as text by any provider and
// count zero here; the decay fold replaces them with alt text.
func (c *Counter) CountMessage(m *models.Message) int {
	if m == nil {
		return 0
	}
	total := tokensPerMessage
	for _, b := range m.Blocks {
		switch b.Type {
		case models.BlockText, models.BlockThinking:
			total += c.Count(b.Text)
		case models.BlockToolUse:
			total += c.Count(b.Name) + c.Count(string(b.Input))
		case models.BlockToolResult:
			total += c.Count(b.Content)
		}
	}
	return total
}

// CountMessages returns the total token count of a message slice.
func (c *Counter) CountMessages(msgs []*models.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.CountMessage(m)
	}
	return total
}

// Truncate cuts text to at most maxTokens tokens. The cut is marked with an
// ellipsis that is included in the budget.
func (c *Counter) Truncate(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 || text == "" {
		return text, false
	}
	if c.Count(text) <= maxTokens {
		return text, false
	}
	const marker = "\n[truncated]"
	if c.enc != nil {
		keep := maxTokens - c.Count(marker)
		if keep < 1 {
			keep = 1
		}
		toks := c.enc.Encode(text, nil, nil)
		if len(toks) <= keep {
			return text, false
		}
		return c.enc.Decode(toks[:keep]) + marker, true
	}
	keep := (maxTokens * charsPerToken) - len(marker)
	if keep < 1 {
		keep = 1
	}
	runes := []rune(text)
	if len(runes) <= keep {
		return text, false
	}
	return string(runes[:keep]) + marker, true
}
