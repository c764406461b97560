package config

import "time"

// ToolsConfig configures tool execution, approval policy, result
// guards, and the built-in shell and browser tools.
type ToolsConfig struct {
	Execution ExecutionConfig `yaml:"execution"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Guard     GuardConfig     `yaml:"guard"`
	Shell     ShellConfig     `yaml:"shell"`
	Browser   BrowserConfig   `yaml:"browser"`
}

// ExecutionConfig controls runtime tool execution behavior.
type ExecutionConfig struct {
	// Timeout bounds one tool execution unless the capability declares
	// its own. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`

	// Parallelism caps concurrent tool executions across all sessions.
	// Within a session tools always run sequentially. Default: 8.
	Parallelism int `yaml:"parallelism"`

	// EndpointTimeout bounds one HTTP call to a programmatic tool
	// endpoint. Default: 30s.
	EndpointTimeout time.Duration `yaml:"endpoint_timeout"`
}

// ApprovalConfig controls which tool invocations need a human decision
// before running. Rules are consulted in order: denylist, allowlist,
// skill-declared tools, safe bins, require_approval, then Default.
type ApprovalConfig struct {
	// Allowlist contains tools that never need approval. Supports
	// patterns: "*", "read_*", "*_search".
	Allowlist []string `yaml:"allowlist"`

	// Denylist contains tools that are always rejected. Same pattern
	// support as Allowlist.
	Denylist []string `yaml:"denylist"`

	// SafeBins are shell binaries the shell tool may run without
	// approval even when shell approval is otherwise required.
	// Default: a read-only set (ls, cat, head, tail, grep, wc, pwd,
	// date, echo, which, file, stat).
	SafeBins []string `yaml:"safe_bins"`

	// SkillAllowlist auto-allows tools declared by loaded skills.
	// Default: true.
	SkillAllowlist *bool `yaml:"skill_allowlist"`

	// RequireApproval lists tool patterns that always escalate to HITL.
	RequireApproval []string `yaml:"require_approval"`

	// Default decides unmatched tools: "allow", "deny", or "ask".
	// Default: "allow".
	Default string `yaml:"default"`
}

// GuardConfig controls redaction and truncation of tool results before
// they enter the prompt or the store.
type GuardConfig struct {
	// Enabled turns the guard on. Default: true.
	Enabled *bool `yaml:"enabled"`

	// MaxChars truncates results longer than this, appending the
	// truncation suffix. Compression to scratchpad happens first; the
	// guard is the hard stop. Default: 50000.
	MaxChars int `yaml:"max_chars"`

	// RedactPatterns are extra regexes whose matches are masked, on top
	// of the built-in secret patterns.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// ShellConfig configures the built-in shell tool.
type ShellConfig struct {
	// Enabled registers the shell tool. Default: true.
	Enabled *bool `yaml:"enabled"`

	// Timeout bounds one command. Default: 120s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes caps captured stdout+stderr. Default: 262144.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// BrowserConfig configures the built-in page-reading tool, backed by a
// headless Chrome via the DevTools protocol.
type BrowserConfig struct {
	// Enabled registers the browser tool. Default: false.
	Enabled bool `yaml:"enabled"`

	// Headless runs Chrome without a display. Default: true.
	Headless *bool `yaml:"headless"`

	// Timeout bounds one page load and extraction. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxChars caps extracted page text. Default: 20000.
	MaxChars int `yaml:"max_chars"`
}

func boolPtr(b bool) *bool { return &b }

func (c *ToolsConfig) applyDefaults() {
	if c.Execution.Timeout <= 0 {
		c.Execution.Timeout = 60 * time.Second
	}
	if c.Execution.Parallelism <= 0 {
		c.Execution.Parallelism = 8
	}
	if c.Execution.EndpointTimeout <= 0 {
		c.Execution.EndpointTimeout = 30 * time.Second
	}
	if c.Approval.SafeBins == nil {
		c.Approval.SafeBins = []string{
			"ls", "cat", "head", "tail", "grep", "wc",
			"pwd", "date", "echo", "which", "file", "stat",
		}
	}
	if c.Approval.SkillAllowlist == nil {
		c.Approval.SkillAllowlist = boolPtr(true)
	}
	if c.Approval.Default == "" {
		c.Approval.Default = "allow"
	}
	if c.Guard.Enabled == nil {
		c.Guard.Enabled = boolPtr(true)
	}
	if c.Guard.MaxChars <= 0 {
		c.Guard.MaxChars = 50000
	}
	if c.Shell.Enabled == nil {
		c.Shell.Enabled = boolPtr(true)
	}
	if c.Shell.Timeout <= 0 {
		c.Shell.Timeout = 120 * time.Second
	}
	if c.Shell.MaxOutputBytes <= 0 {
		c.Shell.MaxOutputBytes = 256 * 1024
	}
	if c.Browser.Headless == nil {
		c.Browser.Headless = boolPtr(true)
	}
	if c.Browser.Timeout <= 0 {
		c.Browser.Timeout = 30 * time.Second
	}
	if c.Browser.MaxChars <= 0 {
		c.Browser.MaxChars = 20000
	}
}
