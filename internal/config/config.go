// Package config defines the petrel configuration model and the loader
// that turns YAML or JSON5 files into a validated Config. Files may pull
// in other files with $include, reference environment variables with
// ${VAR} expansion, and are decoded strictly so that typos in field
// names fail loudly instead of being dropped.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration for a petrel instance. Every section
// has working defaults; a minimal config needs only a provider API key.
type Config struct {
	// Version is the config schema version. Required.
	// Current version: 1.
	Version int `yaml:"version" json:"version"`

	// Gateway configures the client-facing WebSocket endpoint.
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`

	// Auth configures gateway token verification.
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// LLM configures providers and failover routing.
	LLM LLMConfig `yaml:"llm" json:"llm"`

	// Agents maps agent id to its instance configuration. An empty map
	// yields a single "default" agent with stock settings.
	Agents map[string]AgentConfig `yaml:"agents" json:"agents"`

	// Context configures the prompt assembly pipeline.
	Context ContextConfig `yaml:"context" json:"context"`

	// Intent configures intent analysis and its caches.
	Intent IntentConfig `yaml:"intent" json:"intent"`

	// Tools configures tool execution, approval policy, and result guards.
	Tools ToolsConfig `yaml:"tools" json:"tools"`

	// Session configures orchestration timeouts and background tasks.
	Session SessionConfig `yaml:"session" json:"session"`

	// Snapshot configures workspace snapshots for rollback.
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`

	// Scratchpad configures overflow storage for large tool results.
	Scratchpad ScratchpadConfig `yaml:"scratchpad" json:"scratchpad"`

	// Database configures the persistent store.
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Memory configures long-term memory recall and extraction.
	Memory MemoryConfig `yaml:"memory" json:"memory"`

	// Playbook configures playbook matching and extraction.
	Playbook PlaybookConfig `yaml:"playbook" json:"playbook"`

	// Skills configures skill discovery and hot reload.
	Skills SkillsConfig `yaml:"skills" json:"skills"`

	// Workspace configures the working directory exposed to file tools.
	Workspace WorkspaceConfig `yaml:"workspace" json:"workspace"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Observability configures tracing, metrics, and diagnostics.
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// Load reads the file at path, resolves $include directives, expands
// environment variables, decodes strictly, applies defaults, and
// validates. The returned Config is ready to use.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with every default applied and no file read.
// Used by `petrel config init` and by tests.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	home, _ := os.UserHomeDir()
	cfg.applyDefaults(filepath.Join(home, ".petrel"))
	return cfg
}

// applyDefaults fills zero values section by section. baseDir anchors
// relative storage paths (usually the config file's directory).
func (c *Config) applyDefaults(baseDir string) {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	c.Gateway.applyDefaults()
	c.Auth.applyDefaults()
	c.LLM.applyDefaults()
	if c.Agents == nil {
		c.Agents = map[string]AgentConfig{}
	}
	if len(c.Agents) == 0 {
		c.Agents["default"] = AgentConfig{}
	}
	for id, agent := range c.Agents {
		agent.applyDefaults()
		c.Agents[id] = agent
	}
	c.Context.applyDefaults()
	c.Intent.applyDefaults()
	c.Tools.applyDefaults()
	c.Session.applyDefaults()
	c.Snapshot.applyDefaults(baseDir)
	c.Scratchpad.applyDefaults(baseDir)
	c.Database.applyDefaults(baseDir)
	c.Memory.applyDefaults(baseDir)
	c.Playbook.applyDefaults()
	c.Skills.applyDefaults(baseDir)
	c.Workspace.applyDefaults()
	c.Logging.applyDefaults()
	c.Observability.applyDefaults()
}

// Validate checks cross-field consistency. Field-level clamping happens
// in applyDefaults; Validate only rejects configs that cannot work.
func (c *Config) Validate() error {
	var errs []string

	if err := c.Gateway.validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Auth.validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.LLM.validate(); err != nil {
		errs = append(errs, err.Error())
	}
	for id, agent := range c.Agents {
		if err := agent.validate(&c.LLM); err != nil {
			errs = append(errs, fmt.Sprintf("agents.%s: %v", id, err))
		}
	}
	if err := c.Database.validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Scratchpad.validate(); err != nil {
		errs = append(errs, err.Error())
	}
	for _, validate := range externalValidators() {
		if err := validate(c); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}

// ValidationError aggregates every problem found in one pass so users
// fix their config in one edit instead of replaying errors one by one.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "config: " + e.Problems[0]
	}
	return fmt.Sprintf("config: %d problems:\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}
