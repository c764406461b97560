package contextpipe

import (
	"context"
	"time"

	"github.com/petrelhq/petrel/pkg/models"
)

// Phase orders injector output. Lower phases land earlier in the assembled
// prompt so the most stable content forms the longest cacheable prefix.
type Phase int

const (
	// PhaseSystem is persona, tool catalog and skill instructions.
	PhaseSystem Phase = iota + 1
	// PhaseUserContext is user memory, knowledge snippets and the
	// playbook hint.
	PhaseUserContext
	// PhaseRuntime is plan state, recent errors and the goal restatement.
	PhaseRuntime
)

func (p Phase) String() string {
	switch p {
	case PhaseSystem:
		return "system"
	case PhaseUserContext:
		return "user_context"
	case PhaseRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// CacheClass tags a fragment's expected reuse horizon, used to maximize
// provider prompt-cache hit rate.
type CacheClass string

const (
	// CacheStable fragments are byte-identical across turns when their
	// inputs are unchanged.
	CacheStable CacheClass = "stable"
	// CacheSession fragments change at most once per session.
	CacheSession CacheClass = "session"
	// CacheDynamic fragments change every turn.
	CacheDynamic CacheClass = "dynamic"
)

// Target selects where a fragment lands in the assembled request.
type Target int

const (
	// TargetSystem appends the fragment to the system prompt.
	TargetSystem Target = iota
	// TargetUserTail appends the fragment to the last user message,
	// exploiting recency attention.
	TargetUserTail
)

// Descriptor declares an injector's placement and budget.
type Descriptor struct {
	Name string

	Phase Phase

	// Priority orders injectors within a phase; lower lands earlier.
	Priority int

	// TokenBudget caps the fragment. Output beyond it is truncated.
	TokenBudget int

	CacheClass CacheClass

	Target Target
}

// Input is the explicit bundle injectors read. It is assembled fresh each
// turn by the session; injectors hold no other state.
type Input struct {
	ConversationID string
	AgentID        string
	UserID         string

	// Persona is the agent's system persona text.
	Persona string

	// Tools is the selected capability set for this turn.
	Tools []*models.Capability

	// Skills is the active skill set, instructions included.
	Skills []*models.Capability

	// History is the persisted conversation, oldest first, ending with
	// the current user turn. The pipeline reads it, never writes it.
	History []*models.Message

	Intent  *models.IntentResult
	Session *models.SessionInfo
	Plan    *models.Plan

	// RecentErrors holds failed tool invocations from the last turns.
	RecentErrors []*models.ToolInvocation

	// Goal is the restated objective for the runtime phase.
	Goal GoalState

	// Turn is the zero-based turn number, used to rotate goal phrasing.
	Turn int

	// Now is the assembly wall-clock instant. Only dynamic fragments may
	// read it; stable fragments must not.
	Now time.Time
}

// GoalState is the current objective snapshot rendered by the goal injector.
type GoalState struct {
	Goal     string
	Progress string
	NextStep string
}

// Empty reports whether there is nothing to restate.
func (g GoalState) Empty() bool {
	return g.Goal == "" && g.Progress == "" && g.NextStep == ""
}

// Fragment is one injector's contribution to the assembled prompt.
type Fragment struct {
	Name      string
	Phase     Phase
	Class     CacheClass
	Target    Target
	Text      string
	Tokens    int
	Truncated bool
}

// Injector produces one prompt fragment per turn.
type Injector interface {
	Descriptor() Descriptor

	// Inject renders the fragment text. Returning an empty string means
	// the injector contributes nothing this turn.
	Inject(ctx context.Context, in *Input) (string, error)
}

// SourceFunc adapts a retrieval function (memory, knowledge, playbook) into
// injector content.
type SourceFunc func(ctx context.Context, in *Input) (string, error)
