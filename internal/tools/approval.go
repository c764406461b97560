package tools

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/petrelhq/petrel/internal/config"
)

// Decision is the approval policy's verdict for one invocation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// Policy decides whether a tool invocation runs, is rejected, or
// escalates to the human-in-the-loop gate. Rules are consulted in
// order: denylist, allowlist, skill-declared tools, safe shell bins,
// require_approval, then the configured default.
type Policy struct {
	cfg config.ApprovalConfig

	mu         sync.RWMutex
	skillTools map[string]bool
}

func NewPolicy(cfg config.ApprovalConfig) *Policy {
	return &Policy{cfg: cfg, skillTools: map[string]bool{}}
}

// SetSkillTools replaces the set of tool names declared by loaded
// skills. Called on skill reload.
func (p *Policy) SetSkillTools(names []string) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	p.mu.Lock()
	p.skillTools = set
	p.mu.Unlock()
}

// Decide evaluates the policy for one call.
func (p *Policy) Decide(call *Call) Decision {
	if matchAny(p.cfg.Denylist, call.Name) {
		return DecisionDeny
	}
	if matchAny(p.cfg.Allowlist, call.Name) {
		return DecisionAllow
	}
	if p.cfg.SkillAllowlist == nil || *p.cfg.SkillAllowlist {
		p.mu.RLock()
		declared := p.skillTools[call.Name]
		p.mu.RUnlock()
		if declared {
			return DecisionAllow
		}
	}
	if call.Name == "shell" && p.safeShellCommand(call.Input) {
		return DecisionAllow
	}
	if matchAny(p.cfg.RequireApproval, call.Name) {
		return DecisionAsk
	}
	switch p.cfg.Default {
	case "deny":
		return DecisionDeny
	case "ask":
		return DecisionAsk
	default:
		return DecisionAllow
	}
}

// safeShellCommand reports whether every pipeline stage of a shell
// command starts with a safe binary. Commands with shell control
// operators beyond plain pipes are never safe.
func (p *Policy) safeShellCommand(input json.RawMessage) bool {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil || strings.TrimSpace(args.Command) == "" {
		return false
	}
	if strings.ContainsAny(args.Command, ";&`$><") {
		return false
	}
	for _, stage := range strings.Split(args.Command, "|") {
		fields := strings.Fields(stage)
		if len(fields) == 0 {
			return false
		}
		if !p.safeBin(fields[0]) {
			return false
		}
	}
	return true
}

func (p *Policy) safeBin(bin string) bool {
	for _, safe := range p.cfg.SafeBins {
		if bin == safe {
			return true
		}
	}
	return false
}

// matchAny reports whether the name matches any pattern. Patterns
// support a single "*" wildcard: "*", "read_*", "*_search".
func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if matchPattern(pat, name) {
			return true
		}
	}
	return false
}

func matchPattern(pat, name string) bool {
	if pat == "*" {
		return true
	}
	star := strings.IndexByte(pat, '*')
	if star < 0 {
		return pat == name
	}
	prefix, suffix := pat[:star], pat[star+1:]
	return len(name) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(name, prefix) &&
		strings.HasSuffix(name, suffix)
}
