package tools

import (
	"fmt"
	"regexp"

	"github.com/petrelhq/petrel/internal/config"
)

const redactionText = "[REDACTED]"

// builtinSecretPatterns catch credentials that commonly leak through
// tool output: API keys, bearer tokens, private key blocks, and
// password-looking assignments.
var builtinSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)["'\s:=]+[A-Za-z0-9._~+/-]{12,}`),
}

// Guard redacts secrets from tool results and enforces the hard size
// cap before results enter the prompt or the store.
type Guard struct {
	enabled  bool
	maxChars int
	patterns []*regexp.Regexp
}

func NewGuard(cfg config.GuardConfig) (*Guard, error) {
	g := &Guard{
		enabled:  cfg.Enabled == nil || *cfg.Enabled,
		maxChars: cfg.MaxChars,
		patterns: builtinSecretPatterns,
	}
	for _, raw := range cfg.RedactPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("guard: compile redact pattern %q: %w", raw, err)
		}
		g.patterns = append(g.patterns, re)
	}
	return g, nil
}

// Apply returns the guarded content. Redaction runs before truncation
// so a secret straddling the cut point cannot survive in the prefix.
func (g *Guard) Apply(content string) string {
	if !g.enabled {
		return content
	}
	for _, re := range g.patterns {
		content = re.ReplaceAllString(content, redactionText)
	}
	if g.maxChars > 0 && len(content) > g.maxChars {
		content = content[:g.maxChars] + "\n[output truncated]"
	}
	return content
}
