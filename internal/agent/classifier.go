package agent

import (
	"github.com/petrelhq/petrel/internal/tools"
	"github.com/petrelhq/petrel/pkg/models"
)

// Decision is the classifier's verdict on a turn's tool failures.
type Decision int

const (
	// DecisionContinue lets the model see the error and self-correct.
	DecisionContinue Decision = iota
	// DecisionBacktrack replaces the failed exchange in the next prompt
	// with a reflection so the error text does not cascade.
	DecisionBacktrack
	// DecisionFailGracefully ends the run with a partial summary.
	DecisionFailGracefully
	// DecisionEscalate suspends the run on a human decision.
	DecisionEscalate
)

func (d Decision) String() string {
	switch d {
	case DecisionBacktrack:
		return "backtrack"
	case DecisionFailGracefully:
		return "fail_gracefully"
	case DecisionEscalate:
		return "escalate"
	default:
		return "continue"
	}
}

// failureKey identifies a repeating failure. Two errors are "the same"
// when the tool and the error kind match; message text is too volatile
// to compare.
type failureKey struct {
	Tool string
	Kind string
}

// Classifier maps tool failures to decisions with a fixed rule table.
// It keeps per-key repetition counts across turns; a success on a tool
// clears that tool's counts. Not safe for concurrent use; each session
// owns one.
type Classifier struct {
	counts map[failureKey]int

	// destructive reports whether a tool is flagged destructive. Nil
	// means no tool is.
	destructive func(tool string) bool
}

func NewClassifier(destructive func(tool string) bool) *Classifier {
	return &Classifier{
		counts:      make(map[failureKey]int),
		destructive: destructive,
	}
}

// Record updates repetition state with one finished invocation.
func (c *Classifier) Record(inv *models.ToolInvocation) {
	if inv == nil {
		return
	}
	if !inv.IsError {
		for key := range c.counts {
			if key.Tool == inv.Name {
				delete(c.counts, key)
			}
		}
		return
	}
	key := failureKey{Tool: inv.Name, Kind: inv.ErrorKind}
	c.counts[key]++
}

// Seen returns how many times this tool has failed with this kind since
// its last success.
func (c *Classifier) Seen(tool, kind string) int {
	return c.counts[failureKey{Tool: tool, Kind: kind}]
}

// Classify maps the turn's failed invocations to a decision. With
// several failures the strongest decision wins: escalate over
// fail_gracefully over backtrack over continue.
func (c *Classifier) Classify(failed []*models.ToolInvocation) Decision {
	decision := DecisionContinue
	for _, inv := range failed {
		if inv == nil || !inv.IsError {
			continue
		}
		if d := c.classifyOne(inv); d > decision {
			decision = d
		}
	}
	return decision
}

func (c *Classifier) classifyOne(inv *models.ToolInvocation) Decision {
	repeats := c.Seen(inv.Name, inv.ErrorKind)

	if c.safetyFlagged(inv) {
		return DecisionEscalate
	}

	switch tools.ErrorKind(inv.ErrorKind) {
	case tools.ErrAuth:
		// Retrying auth does not fix auth. One repeat confirms it is not
		// transient.
		if repeats >= 2 {
			return DecisionFailGracefully
		}
		return DecisionContinue
	case tools.ErrValidation:
		// The model sees the schema error and usually fixes its input on
		// the next try.
		if repeats >= 2 {
			return DecisionBacktrack
		}
		return DecisionContinue
	default:
		if repeats >= 2 {
			return DecisionBacktrack
		}
		return DecisionContinue
	}
}

// safetyFlagged marks failures where a destructive action was refused by
// policy or by the user. Those are decisions for a human, not for
// another model attempt.
func (c *Classifier) safetyFlagged(inv *models.ToolInvocation) bool {
	if c.destructive == nil || !c.destructive(inv.Name) {
		return false
	}
	return inv.SafetyRefusal
}
