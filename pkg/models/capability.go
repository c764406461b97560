package models

import "encoding/json"

// CapabilityKind distinguishes how a capability is realized.
type CapabilityKind string

const (
	// KindTool is an in-process or HTTP-dispatched tool.
	KindTool CapabilityKind = "tool"
	// KindSkill is a prompt-injected skill backed by a descriptor file.
	KindSkill CapabilityKind = "skill"
	// KindCode is a code-execution capability.
	KindCode CapabilityKind = "code"
)

// CapabilityStatus is the probed readiness of a capability.
type CapabilityStatus string

const (
	StatusReady       CapabilityStatus = "ready"
	StatusNeedsSetup  CapabilityStatus = "needs_setup"
	StatusNeedsAuth   CapabilityStatus = "needs_auth"
	StatusUnavailable CapabilityStatus = "unavailable"
)

// InvocationStrategy selects how a tool capability is dispatched.
type InvocationStrategy string

const (
	// StrategyDirect is an in-process function call.
	StrategyDirect InvocationStrategy = "direct"
	// StrategyProgrammatic is an HTTP call to a registered endpoint.
	StrategyProgrammatic InvocationStrategy = "programmatic"
	// StrategyStreaming yields progressive output while running.
	StrategyStreaming InvocationStrategy = "streaming"
)

// CostHints gives the selector rough cost expectations for a capability.
type CostHints struct {
	// LatencyMS is the expected call latency in milliseconds.
	LatencyMS int `json:"latency_ms,omitempty"`

	// TokensPerCall is the expected context cost of one result.
	TokensPerCall int `json:"tokens_per_call,omitempty"`
}

// Capability is the unified descriptor of an invokable action. Immutable
// after registration; Status is re-evaluated by probes.
type Capability struct {
	Name        string         `json:"name"`
	Kind        CapabilityKind `json:"kind"`
	Description string         `json:"description,omitempty"`

	// Level 1 marks core capabilities that are always selected; higher
	// levels are optional and intent-gated.
	Level int `json:"level"`

	Tags        []string           `json:"tags,omitempty"`
	InputSchema json.RawMessage    `json:"input_schema,omitempty"`
	Priority    int                `json:"priority,omitempty"`
	Status      CapabilityStatus   `json:"status"`
	Strategy    InvocationStrategy `json:"strategy,omitempty"`

	// OSFilter limits the capability to the named GOOS values; empty means
	// all platforms.
	OSFilter []string `json:"os_filter,omitempty"`

	CostHints *CostHints `json:"cost_hints,omitempty"`

	// Endpoint is the target URL for programmatic capabilities.
	Endpoint string `json:"endpoint,omitempty"`

	// Instructions is the prompt body injected when a skill is active.
	Instructions string `json:"-"`

	// Destructive marks capabilities whose first use triggers a snapshot.
	Destructive bool `json:"destructive,omitempty"`
}

// HasTag reports whether the capability carries the tag.
func (c *Capability) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SupportsOS reports whether the capability is available on the given GOOS.
func (c *Capability) SupportsOS(goos string) bool {
	if len(c.OSFilter) == 0 {
		return true
	}
	for _, os := range c.OSFilter {
		if os == goos {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to mutate.
func (c *Capability) Clone() *Capability {
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	out.OSFilter = append([]string(nil), c.OSFilter...)
	if c.InputSchema != nil {
		out.InputSchema = append(json.RawMessage(nil), c.InputSchema...)
	}
	if c.CostHints != nil {
		hints := *c.CostHints
		out.CostHints = &hints
	}
	return &out
}
