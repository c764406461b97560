package models

import "time"

// Complexity buckets a user turn for threshold scaling and tool pruning.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// IntentSource records which analyzer layer produced a result.
type IntentSource string

const (
	IntentSourceExact    IntentSource = "exact_cache"
	IntentSourceSemantic IntentSource = "semantic_cache"
	IntentSourceModel    IntentSource = "model"
	IntentSourceKeyword  IntentSource = "keyword"
)

// IntentResult is the classification of one incoming user turn.
type IntentResult struct {
	Complexity  Complexity `json:"complexity"`
	SkillGroups []string   `json:"skill_groups,omitempty"`
	SkipMemory  bool       `json:"skip_memory,omitempty"`

	// WantsToStop and WantsRollback short-circuit the executor without
	// consuming a turn.
	WantsToStop   bool `json:"wants_to_stop,omitempty"`
	IsFollowUp    bool `json:"is_follow_up,omitempty"`
	WantsRollback bool `json:"wants_rollback,omitempty"`

	Source     IntentSource `json:"source,omitempty"`
	AnalyzedAt time.Time    `json:"analyzed_at,omitempty"`
}

// HasGroup reports whether the result names the skill group.
func (r *IntentResult) HasGroup(group string) bool {
	for _, g := range r.SkillGroups {
		if g == group {
			return true
		}
	}
	return false
}
