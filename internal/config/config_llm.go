package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Model roles an agent binds to provider/model pairs. Every LLM call in
// the system goes through one of these roles.
const (
	// RoleAgent drives the main conversation loop.
	RoleAgent = "agent"
	// RoleHeavy handles complex turns when the router escalates.
	RoleHeavy = "heavy"
	// RoleLight handles compression, titles, and summaries.
	RoleLight = "light"
	// RoleIntent handles the bounded intent-classification call.
	RoleIntent = "intent"
)

// LLMConfig configures LLM providers and the failover router.
type LLMConfig struct {
	// Default names the provider used when a model reference carries no
	// provider prefix. Default: first configured provider, or
	// "anthropic" when none are configured.
	Default string `yaml:"default"`

	// FallbackChain lists providers tried in order when the primary
	// fails before emitting any content. Mid-stream failures do not
	// fail over. Default: every configured provider, default first.
	FallbackChain []string `yaml:"fallback_chain"`

	// Providers maps provider name to its connection settings. The name
	// doubles as the wire protocol when Type is unset, so
	// "anthropic:", "openai:", "gemini:", "bedrock:", "ollama:" need no
	// Type. OpenAI-compatible vendors (deepseek, glm) set Type: openai
	// with their BaseURL.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// RequestTimeout is the wall-clock cap on one adapter call,
	// covering the entire stream. Default: 10m.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// FailureThreshold marks a provider unhealthy after this many
	// consecutive errors. Unhealthy providers are skipped by the router
	// until Cooldown elapses. Default: 3.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long an unhealthy provider stays skipped before a
	// probe request may run. Default: 60s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ProviderConfig holds connection settings for one provider entry.
type ProviderConfig struct {
	// Type selects the wire protocol: anthropic, openai, gemini,
	// bedrock, or ollama. Default: the entry name when it is one of
	// those values.
	Type string `yaml:"type"`

	// APIKey authenticates requests. Use ${ENV_VAR} expansion rather
	// than a literal. Bedrock and ollama ignore it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint. How deepseek and glm
	// ride the openai protocol, and how ollama is pointed at a remote
	// host. Default: the protocol's public endpoint.
	BaseURL string `yaml:"base_url"`

	// DefaultModel is used when a role binding names this provider
	// without a model.
	DefaultModel string `yaml:"default_model"`

	// APIVersion pins the anthropic-version header. Other types ignore
	// it. Default: the SDK's current version.
	APIVersion string `yaml:"api_version"`

	// Region selects the AWS region for bedrock. Default: the SDK
	// default chain (env, shared config).
	Region string `yaml:"region"`

	// MaxTokens caps generation length per request. Default: 8192.
	MaxTokens int `yaml:"max_tokens"`
}

// knownProviderTypes are the wire protocols the adapter layer speaks.
var knownProviderTypes = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"gemini":    true,
	"bedrock":   true,
	"ollama":    true,
}

func (c *LLMConfig) applyDefaults() {
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for name, p := range c.Providers {
		if p.Type == "" && knownProviderTypes[name] {
			p.Type = name
		}
		if p.MaxTokens <= 0 {
			p.MaxTokens = 8192
		}
		c.Providers[name] = p
	}
	if c.Default == "" {
		c.Default = c.firstProvider()
	}
	if c.Default == "" {
		c.Default = "anthropic"
	}
	if len(c.FallbackChain) == 0 {
		c.FallbackChain = c.defaultChain()
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
}

// firstProvider returns the alphabetically first configured provider so
// the default is deterministic across loads.
func (c *LLMConfig) firstProvider() string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (c *LLMConfig) defaultChain() []string {
	chain := []string{c.Default}
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		if name != c.Default {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append(chain, names...)
}

func (c *LLMConfig) validate() error {
	for name, p := range c.Providers {
		if !knownProviderTypes[p.Type] {
			return fmt.Errorf("llm.providers.%s.type must be one of anthropic, openai, gemini, bedrock, ollama; got %q", name, p.Type)
		}
	}
	if len(c.Providers) > 0 {
		if _, ok := c.Providers[c.Default]; !ok {
			return fmt.Errorf("llm.default names %q which is not configured", c.Default)
		}
		for _, name := range c.FallbackChain {
			if _, ok := c.Providers[name]; !ok {
				return fmt.Errorf("llm.fallback_chain names %q which is not configured", name)
			}
		}
	}
	return nil
}

// Resolve splits a model reference of the form "provider/model",
// "provider" (provider's default model), or "model" (default provider)
// into its provider name and model id.
func (c *LLMConfig) Resolve(ref string) (provider, model string) {
	if ref == "" {
		return c.Default, c.Providers[c.Default].DefaultModel
	}
	if before, after, found := strings.Cut(ref, "/"); found {
		if _, ok := c.Providers[before]; ok {
			if after == "" {
				after = c.Providers[before].DefaultModel
			}
			return before, after
		}
		// Slash inside a bare model id (ollama tags, bedrock ARNs).
		return c.Default, ref
	}
	if _, ok := c.Providers[ref]; ok {
		return ref, c.Providers[ref].DefaultModel
	}
	return c.Default, ref
}
