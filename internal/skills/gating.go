package skills

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// GatingContext caches the environment checks skill gating performs.
// One context is shared across a discovery pass; build a fresh one to
// re-probe.
type GatingContext struct {
	// OS is the current platform (darwin, linux, windows).
	OS string

	// Overrides provides per-skill configuration.
	Overrides map[string]*Override

	pathBins map[string]bool
	envVars  map[string]bool
}

// NewGatingContext creates a GatingContext for the current process.
func NewGatingContext(overrides map[string]*Override) *GatingContext {
	return &GatingContext{
		OS:        runtime.GOOS,
		Overrides: overrides,
		pathBins:  make(map[string]bool),
		envVars:   make(map[string]bool),
	}
}

// CheckBinary reports whether a binary exists on PATH, caching lookups.
func (c *GatingContext) CheckBinary(name string) bool {
	if hit, ok := c.pathBins[name]; ok {
		return hit
	}
	_, err := exec.LookPath(name)
	c.pathBins[name] = err == nil
	return c.pathBins[name]
}

// CheckEnv reports whether an environment variable is set.
func (c *GatingContext) CheckEnv(name string) bool {
	if hit, ok := c.envVars[name]; ok {
		return hit
	}
	_, exists := os.LookupEnv(name)
	c.envVars[name] = exists
	return exists
}

// checkEnvOrOverride also accepts values supplied via skill overrides.
func (c *GatingContext) checkEnvOrOverride(skillName, envVar string) bool {
	if c.CheckEnv(envVar) {
		return true
	}
	cfg, ok := c.Overrides[skillName]
	if !ok {
		return false
	}
	if cfg.APIKey != "" {
		return true
	}
	_, ok = cfg.Env[envVar]
	return ok
}

// EligibilityResult is the outcome of a gating check.
type EligibilityResult struct {
	Eligible bool
	Reason   string
}

// CheckEligibility evaluates a skill's gating rules.
func (s *Skill) CheckEligibility(ctx *GatingContext) EligibilityResult {
	meta := s.Metadata

	if meta != nil && meta.Always {
		return EligibilityResult{true, "always enabled"}
	}
	if !s.IsEnabled(ctx.Overrides) {
		return EligibilityResult{false, "disabled in config"}
	}
	if meta == nil {
		return EligibilityResult{true, ""}
	}

	if len(meta.OS) > 0 {
		matched := false
		for _, os := range meta.OS {
			if os == ctx.OS {
				matched = true
				break
			}
		}
		if !matched {
			return EligibilityResult{false, fmt.Sprintf("requires OS %v, have %s", meta.OS, ctx.OS)}
		}
	}

	if req := meta.Requires; req != nil {
		for _, bin := range req.Bins {
			if !ctx.CheckBinary(bin) {
				return EligibilityResult{false, fmt.Sprintf("missing required binary: %s", bin)}
			}
		}
		if len(req.AnyBins) > 0 {
			found := false
			for _, bin := range req.AnyBins {
				if ctx.CheckBinary(bin) {
					found = true
					break
				}
			}
			if !found {
				return EligibilityResult{false, fmt.Sprintf("requires one of: %v", req.AnyBins)}
			}
		}
		for _, env := range req.Env {
			if !ctx.checkEnvOrOverride(s.Name, env) {
				return EligibilityResult{false, fmt.Sprintf("missing environment variable: %s", env)}
			}
		}
	}

	return EligibilityResult{true, ""}
}

// FilterEligible keeps only skills whose gating passes.
func FilterEligible(all []*Skill, ctx *GatingContext) []*Skill {
	var eligible []*Skill
	for _, skill := range all {
		if skill.CheckEligibility(ctx).Eligible {
			eligible = append(eligible, skill)
		}
	}
	return eligible
}

// IneligibleReasons maps each gated-out skill to its reason.
func IneligibleReasons(all []*Skill, ctx *GatingContext) map[string]string {
	reasons := make(map[string]string)
	for _, skill := range all {
		if result := skill.CheckEligibility(ctx); !result.Eligible {
			reasons[skill.Name] = result.Reason
		}
	}
	return reasons
}
