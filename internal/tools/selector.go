package tools

import (
	"context"
	"sort"

	"github.com/petrelhq/petrel/internal/capability"
	"github.com/petrelhq/petrel/pkg/models"
)

// DefaultSimpleSet is the hard bound for simple turns: enough to answer
// a quick question without dragging the full catalog into the prompt.
var DefaultSimpleSet = []string{"calculator", "current_time", "read_file", "read_scratchpad"}

// groupTags expands an intent skill group into the capability tags it
// covers. Groups are themselves tags, so unknown groups still match
// capabilities tagged with the literal group name.
var groupTags = map[string][]string{
	"coding":        {"coding", "files", "shell"},
	"writing":       {"writing", "files"},
	"research":      {"research", "web"},
	"data_analysis": {"data_analysis", "files", "calculator"},
	"files":         {"files"},
	"shell":         {"shell"},
}

// Selector picks the per-turn tool set from the capability catalog.
type Selector struct {
	caps      *capability.Registry
	simpleSet []string
}

func NewSelector(caps *capability.Registry) *Selector {
	return &Selector{caps: caps, simpleSet: DefaultSimpleSet}
}

// Select applies the three layers in order: core (level 1, always in),
// intent-matched by expanded tags, then the whitelist intersection. A
// simple turn is hard-bounded to the fixed minimal set regardless of
// tags. Unavailable capabilities never make the cut.
func (s *Selector) Select(ctx context.Context, agentID string, intent *models.IntentResult, allowed []string) []*models.Capability {
	all := s.caps.AllFor(ctx, agentID)

	usable := make(map[string]*models.Capability, len(all))
	for _, c := range all {
		if c.Kind == models.KindSkill {
			continue
		}
		if c.Status == models.StatusUnavailable {
			continue
		}
		usable[c.Name] = c
	}

	var picked map[string]*models.Capability
	if intent != nil && intent.Complexity == models.ComplexitySimple {
		picked = make(map[string]*models.Capability, len(s.simpleSet))
		for _, name := range s.simpleSet {
			if c, ok := usable[name]; ok {
				picked[name] = c
			}
		}
	} else {
		picked = make(map[string]*models.Capability, len(usable))
		tags := expandGroups(intent)
		for name, c := range usable {
			if c.Level == 1 {
				picked[name] = c
				continue
			}
			for _, tag := range tags {
				if c.HasTag(tag) {
					picked[name] = c
					break
				}
			}
		}
	}

	if allowed != nil {
		whitelist := make(map[string]bool, len(allowed))
		for _, name := range allowed {
			whitelist[name] = true
		}
		for name := range picked {
			if !whitelist[name] {
				delete(picked, name)
			}
		}
	}

	out := make([]*models.Capability, 0, len(picked))
	for _, c := range picked {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func expandGroups(intent *models.IntentResult) []string {
	if intent == nil {
		return nil
	}
	seen := map[string]bool{}
	var tags []string
	for _, group := range intent.SkillGroups {
		expanded, ok := groupTags[group]
		if !ok {
			expanded = []string{group}
		}
		for _, tag := range expanded {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	return tags
}
