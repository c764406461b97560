package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

const browserChunkSize = 2048

var browserSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "description": "Page URL to read (http or https)"}
	},
	"required": ["url"]
}`)

// BrowserTool reads a web page through headless Chrome over the
// DevTools protocol and returns the visible text. It streams the
// extracted text in chunks so long pages show progress.
type BrowserTool struct {
	cfg config.BrowserConfig
}

func NewBrowserTool(cfg config.BrowserConfig) *BrowserTool {
	return &BrowserTool{cfg: cfg}
}

func (t *BrowserTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "browser_read",
		Kind:        models.KindTool,
		Description: "Load a web page in a headless browser and return its visible text.",
		Level:       2,
		Tags:        []string{"web", "research"},
		InputSchema: browserSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyStreaming,
		CostHints:   &models.CostHints{LatencyMS: 5000, TokensPerCall: 5000},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	return t.ExecuteStream(ctx, call, nil)
}

func (t *BrowserTool) ExecuteStream(ctx context.Context, call *Call, yield func(chunk string)) (*Result, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil, newToolError(ErrValidation, "browser_read", err)
	}
	parsed, err := url.Parse(args.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return &Result{Content: fmt.Sprintf("invalid url %q", args.URL), IsError: true}, nil
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	if t.cfg.Headless == nil || *t.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()
	timeoutCtx, timeoutCancel := context.WithTimeout(taskCtx, t.cfg.Timeout)
	defer timeoutCancel()

	var text string
	err = chromedp.Run(timeoutCtx,
		chromedp.Navigate(args.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return nil, newToolError(ErrTimeout, "browser_read", fmt.Errorf("page load exceeded %s", t.cfg.Timeout))
		}
		return nil, fmt.Errorf("load %s: %w", args.URL, err)
	}

	text = collapseWhitespace(text)
	if t.cfg.MaxChars > 0 && len(text) > t.cfg.MaxChars {
		text = text[:t.cfg.MaxChars] + "\n[page truncated]"
	}
	if yield != nil {
		for start := 0; start < len(text); start += browserChunkSize {
			end := start + browserChunkSize
			if end > len(text) {
				end = len(text)
			}
			yield(text[start:end])
		}
	}
	return &Result{Content: text}, nil
}

// collapseWhitespace squeezes blank-line runs that body text extraction
// leaves behind.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
