package config

// ContextConfig configures the prompt assembly pipeline: per-injector
// token budgets, tool result compression, and history decay.
type ContextConfig struct {
	// Budgets caps each injector's contribution in tokens.
	Budgets BudgetConfig `yaml:"budgets"`

	// HistoryBudget caps the token count of conversation history after
	// decay, on top of the injector budgets. Default: 40000.
	HistoryBudget int `yaml:"history_budget"`

	// Compression configures large tool result handling.
	Compression CompressionConfig `yaml:"compression"`

	// Decay configures progressive history decay.
	Decay DecayConfig `yaml:"decay"`

	// Tokenizer names the tiktoken encoding used for budget counting.
	// Counts are budget arithmetic, not provider billing. Default:
	// "cl100k_base".
	Tokenizer string `yaml:"tokenizer"`
}

// BudgetConfig holds the per-injector token caps. Phase 1 fragments are
// cache-stable, phase 2 fragments change per session, phase 3 fragments
// change per turn.
type BudgetConfig struct {
	// Persona caps the phase 1 persona fragment. Default: 2000.
	Persona int `yaml:"persona"`

	// Tools caps the phase 1 tool definition fragment. Default: 3000.
	Tools int `yaml:"tools"`

	// Skills caps the phase 1 skill instruction fragment. Default: 1000.
	Skills int `yaml:"skills"`

	// Memory caps the phase 2 user memory fragment. Default: 500.
	Memory int `yaml:"memory"`

	// Knowledge caps the phase 2 knowledge snippet fragment. Default: 800.
	Knowledge int `yaml:"knowledge"`

	// Playbook caps the phase 2 playbook hint fragment. Default: 300.
	Playbook int `yaml:"playbook"`

	// Plan caps the phase 3 plan state fragment. Default: 300.
	Plan int `yaml:"plan"`

	// Errors caps the phase 3 recent-error fragment. Default: 300.
	Errors int `yaml:"errors"`
}

// CompressionConfig controls when and how tool results are replaced by
// summaries backed by scratchpad references.
type CompressionConfig struct {
	// ThresholdChars is the serialised length above which a tool result
	// is compressed. A result exactly at the threshold stays verbatim.
	// Default: 1500.
	ThresholdChars int `yaml:"threshold_chars"`

	// SearchTopK is how many title+snippet entries a compressed search
	// result keeps. Default: 5.
	SearchTopK int `yaml:"search_top_k"`

	// FileHeadLines is how many leading lines a compressed file read
	// keeps. Default: 40.
	FileHeadLines int `yaml:"file_head_lines"`

	// ExecTailLines is how many trailing output lines a compressed
	// execution result keeps. Default: 40.
	ExecTailLines int `yaml:"exec_tail_lines"`
}

// DecayConfig partitions history into verbatim, folded, and summarised
// zones by turn age.
type DecayConfig struct {
	// KeepTurns is the size of the verbatim zone. Default: 8.
	KeepTurns int `yaml:"keep_turns"`

	// FoldTurns is the size of the folded zone, where tool pairs
	// collapse to one-line conclusions and images to alt text.
	// Default: 12.
	FoldTurns int `yaml:"fold_turns"`

	// SummaryBudget caps the summary block covering everything older,
	// in tokens. Default: 500.
	SummaryBudget int `yaml:"summary_budget"`
}

func (c *ContextConfig) applyDefaults() {
	b := &c.Budgets
	if b.Persona <= 0 {
		b.Persona = 2000
	}
	if b.Tools <= 0 {
		b.Tools = 3000
	}
	if b.Skills <= 0 {
		b.Skills = 1000
	}
	if b.Memory <= 0 {
		b.Memory = 500
	}
	if b.Knowledge <= 0 {
		b.Knowledge = 800
	}
	if b.Playbook <= 0 {
		b.Playbook = 300
	}
	if b.Plan <= 0 {
		b.Plan = 300
	}
	if b.Errors <= 0 {
		b.Errors = 300
	}
	if c.HistoryBudget <= 0 {
		c.HistoryBudget = 40000
	}
	if c.Compression.ThresholdChars <= 0 {
		c.Compression.ThresholdChars = 1500
	}
	if c.Compression.SearchTopK <= 0 {
		c.Compression.SearchTopK = 5
	}
	if c.Compression.FileHeadLines <= 0 {
		c.Compression.FileHeadLines = 40
	}
	if c.Compression.ExecTailLines <= 0 {
		c.Compression.ExecTailLines = 40
	}
	if c.Decay.KeepTurns <= 0 {
		c.Decay.KeepTurns = 8
	}
	if c.Decay.FoldTurns <= 0 {
		c.Decay.FoldTurns = 12
	}
	if c.Decay.SummaryBudget <= 0 {
		c.Decay.SummaryBudget = 500
	}
	if c.Tokenizer == "" {
		c.Tokenizer = "cl100k_base"
	}
}
