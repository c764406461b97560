// Package skills discovers and manages skill definitions: markdown
// documents with YAML frontmatter that extend an agent with
// instructions and optional tools. Skills live in directories, one
// subdirectory per skill, each holding a SKILL.md.
package skills

// Skill is a discovered skill definition.
type Skill struct {
	// Name is the unique skill identifier (lowercase, hyphens allowed).
	Name string `json:"name" yaml:"name"`

	// Description explains what the skill does and when to use it.
	Description string `json:"description" yaml:"description"`

	// Group assigns the skill to a named group so agents can load a
	// subset. Empty means the skill belongs to every agent.
	Group string `json:"group,omitempty" yaml:"group"`

	// Metadata carries gating rules and tool declarations.
	Metadata *Metadata `json:"metadata,omitempty" yaml:"metadata"`

	// Instructions is the markdown body injected into the prompt.
	// Loaded lazily for skills discovered without a full read.
	Instructions string `json:"-"`

	// Path is the skill's directory.
	Path string `json:"path"`

	// Source records which kind of directory the skill came from.
	Source SourceType `json:"source"`

	// SourcePriority resolves name conflicts; higher wins.
	SourcePriority int `json:"-"`
}

// SourceType indicates where a skill was discovered from.
type SourceType string

const (
	// SourceConfigured is a directory listed in skills.dirs.
	SourceConfigured SourceType = "configured"
	// SourceWorkspace is <workspace>/skills, which overrides
	// configured directories on name conflicts.
	SourceWorkspace SourceType = "workspace"
)

// Source priorities; higher wins on name conflicts.
const (
	PriorityConfigured = 20
	PriorityWorkspace  = 40
)

// Metadata carries a skill's gating rules and tool declarations.
type Metadata struct {
	// Always skips all gating checks.
	Always bool `json:"always,omitempty" yaml:"always"`

	// OS restricts the skill to platforms (darwin, linux, windows).
	OS []string `json:"os,omitempty" yaml:"os"`

	// Requires defines gating requirements.
	Requires *Requires `json:"requires,omitempty" yaml:"requires"`

	// PrimaryEnv names the API key environment variable the skill's
	// tools read. A configured api_key override is exported under it.
	PrimaryEnv string `json:"primary_env,omitempty" yaml:"primary_env"`

	// Tools declares executable tools this skill provides.
	Tools []ToolSpec `json:"tools,omitempty" yaml:"tools"`
}

// Requires defines gating requirements for a skill.
type Requires struct {
	// Bins requires all listed binaries on PATH.
	Bins []string `json:"bins,omitempty" yaml:"bins"`

	// AnyBins requires at least one of the listed binaries.
	AnyBins []string `json:"any_bins,omitempty" yaml:"any_bins"`

	// Env requires all listed environment variables set, or supplied
	// through the skill's config override.
	Env []string `json:"env,omitempty" yaml:"env"`
}

// ToolSpec declares a tool implemented by a skill as a command or
// script run in the skill directory. Input arrives on stdin and in
// PETREL_TOOL_INPUT.
type ToolSpec struct {
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description" yaml:"description"`
	Schema         map[string]any `json:"schema" yaml:"schema"`
	Command        string         `json:"command" yaml:"command"`
	Script         string         `json:"script" yaml:"script"`
	TimeoutSeconds int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	WorkingDir     string         `json:"cwd" yaml:"cwd"`
}

// Override is a per-skill configuration override.
type Override struct {
	// Enabled turns the skill off when set to false.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled"`

	// APIKey is exported under the skill's primary_env for its tools.
	APIKey string `json:"api_key,omitempty" yaml:"api_key"`

	// Env adds environment variables for the skill's tools.
	Env map[string]string `json:"env,omitempty" yaml:"env"`
}

// IsEnabled reports whether the skill is enabled given overrides.
func (s *Skill) IsEnabled(overrides map[string]*Override) bool {
	cfg, ok := overrides[s.Name]
	if !ok || cfg.Enabled == nil {
		return true
	}
	return *cfg.Enabled
}

// InGroups reports whether the skill belongs to any of the named
// groups. An empty filter or an ungrouped skill always matches.
func (s *Skill) InGroups(groups []string) bool {
	if len(groups) == 0 || s.Group == "" {
		return true
	}
	for _, g := range groups {
		if g == s.Group {
			return true
		}
	}
	return false
}
