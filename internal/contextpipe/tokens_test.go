package contextpipe

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/petrelhq/petrel/pkg/models"
)

func TestHeuristicCount(t *testing.T) {
	c := NewHeuristicCounter()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"exact boundary", "abcd", 1},
		{"rounds up", "abcde", 2},
		{"counts runes not bytes", "héllo wörld", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Count(tt.text); got != tt.want {
				t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}

	if c.Encoding() != "heuristic" {
		t.Errorf("Encoding() = %q", c.Encoding())
	}
}

func TestCountMessage(t *testing.T) {
	c := NewHeuristicCounter()

	if got := c.CountMessage(nil); got != 0 {
		t.Errorf("CountMessage(nil) = %d, want 0", got)
	}

	// 8 runes of text = 2 tokens, plus 4 framing.
	text := &models.Message{Role: models.RoleUser, Blocks: []models.Block{models.TextBlock("abcdefgh")}}
	if got := c.CountMessage(text); got != 6 {
		t.Errorf("text message = %d tokens, want 6", got)
	}

	// name "calc" = 1 token, input {"a":1} = 7 runes = 2 tokens, plus 4.
	use := &models.Message{Role: models.RoleAssistant, Blocks: []models.Block{
		models.ToolUseBlock("t1", "calc", json.RawMessage(`{"a":1}`)),
	}}
	if got := c.CountMessage(use); got != 7 {
		t.Errorf("tool_use message = %d tokens, want 7", got)
	}

	// Image payloads count zero beyond framing.
	img := &models.Message{Role: models.RoleUser, Blocks: []models.Block{
		models.ImageBlock(models.ImageSource{MediaType: "image/png", Data: strings.Repeat("A", 4096)}),
	}}
	if got := c.CountMessage(img); got != 4 {
		t.Errorf("image message = %d tokens, want 4", got)
	}

	total := c.CountMessages([]*models.Message{text, use, img})
	if total != 6+7+4 {
		t.Errorf("CountMessages = %d, want %d", total, 6+7+4)
	}
}

func TestTruncate(t *testing.T) {
	c := NewHeuristicCounter()

	t.Run("fits untouched", func(t *testing.T) {
		got, cut := c.Truncate("short", 10)
		if got != "short" || cut {
			t.Errorf("Truncate = (%q, %v)", got, cut)
		}
	})

	t.Run("zero budget means unbudgeted", func(t *testing.T) {
		long := strings.Repeat("a", 100)
		got, cut := c.Truncate(long, 0)
		if got != long || cut {
			t.Error("maxTokens 0 should pass text through")
		}
	})

	t.Run("cut includes marker in budget", func(t *testing.T) {
		long := strings.Repeat("a", 100)
		got, cut := c.Truncate(long, 10)
		if !cut {
			t.Fatal("expected truncation")
		}
		if !strings.HasSuffix(got, "\n[truncated]") {
			t.Errorf("missing marker: %q", got)
		}
		if tokens := c.Count(got); tokens > 10 {
			t.Errorf("truncated text counts %d tokens, budget 10", tokens)
		}
	})

	t.Run("empty text", func(t *testing.T) {
		got, cut := c.Truncate("", 5)
		if got != "" || cut {
			t.Errorf("Truncate(\"\") = (%q, %v)", got, cut)
		}
	})
}

func TestNewCounterUnknownEncoding(t *testing.T) {
	if _, err := NewCounter("no-such-encoding"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}
