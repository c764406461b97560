package config

import (
	"fmt"
	"time"
)

// AgentConfig configures one agent instance. Agents share providers,
// tools, and stores; they differ in persona, model bindings, skills,
// and execution thresholds.
type AgentConfig struct {
	// Persona is the system persona text injected at the top of every
	// prompt. Default: a minimal assistant persona.
	Persona string `yaml:"persona"`

	// PersonaFile reads the persona from a file instead. Relative paths
	// resolve against the config file. Persona wins when both are set.
	PersonaFile string `yaml:"persona_file"`

	// Models binds roles to model references. Keys are agent, heavy,
	// light, intent. Values are "provider/model", "provider", or a bare
	// model id on the default provider. Missing roles fall back to the
	// agent binding, then to the default provider's default model.
	Models map[string]string `yaml:"models"`

	// SkillGroups limits which skill groups this agent loads. Empty
	// loads every discovered skill.
	SkillGroups []string `yaml:"skill_groups"`

	// MaxTurns terminates the run once this many turns complete.
	// Default: 30.
	MaxTurns int `yaml:"max_turns"`

	// MaxDuration terminates the run at this wall-clock age regardless
	// of turn count. Default: 30m.
	MaxDuration time.Duration `yaml:"max_duration"`

	// FailureThreshold is the consecutive identical tool failure count
	// that forces a reflection-only turn. Default: 3.
	FailureThreshold int `yaml:"failure_threshold"`

	// BacktrackLimit is the cumulative backtrack count that ends the
	// run with a partial summary. Default: 5.
	BacktrackLimit int `yaml:"backtrack_limit"`

	// HITLTimeout bounds how long a run waits for a human decision
	// before the pending tool fails with a timeout. Default: 30m.
	HITLTimeout time.Duration `yaml:"hitl_timeout"`

	// LongTaskConfirmTurns asks the user to confirm continuation once a
	// run reaches this turn count. 0 disables the prompt. Default: 20.
	LongTaskConfirmTurns int `yaml:"long_task_confirm_turns"`
}

func (c *AgentConfig) applyDefaults() {
	if c.Models == nil {
		c.Models = map[string]string{}
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 30
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 30 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BacktrackLimit <= 0 {
		c.BacktrackLimit = 5
	}
	if c.HITLTimeout <= 0 {
		c.HITLTimeout = 30 * time.Minute
	}
	if c.LongTaskConfirmTurns < 0 {
		c.LongTaskConfirmTurns = 0
	}
}

func (c *AgentConfig) validate(providers *LLMConfig) error {
	for role := range c.Models {
		switch role {
		case RoleAgent, RoleHeavy, RoleLight, RoleIntent:
		default:
			return fmt.Errorf("models.%s is not a known role (agent, heavy, light, intent)", role)
		}
	}
	return nil
}

// ModelFor resolves the model reference for a role, falling back to the
// agent role and then to the provider default.
func (c *AgentConfig) ModelFor(role string, providers *LLMConfig) (provider, model string) {
	if ref, ok := c.Models[role]; ok && ref != "" {
		return providers.Resolve(ref)
	}
	if role != RoleAgent {
		if ref, ok := c.Models[RoleAgent]; ok && ref != "" {
			return providers.Resolve(ref)
		}
	}
	return providers.Resolve("")
}
