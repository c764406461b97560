package agent

import (
	"time"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

// TerminationReason explains why a run ended.
type TerminationReason string

const (
	ReasonEndTurn        TerminationReason = "end_turn"
	ReasonMaxTurns       TerminationReason = "max_turns"
	ReasonMaxDuration    TerminationReason = "max_duration"
	ReasonUserStop       TerminationReason = "user_stop"
	ReasonHITLAbort      TerminationReason = "hitl_abort"
	ReasonWantsToStop    TerminationReason = "wants_to_stop"
	ReasonConfirmDenied  TerminationReason = "long_task_denied"
	ReasonBacktrackLimit TerminationReason = "backtrack_limit"
	ReasonFailGracefully TerminationReason = "fail_gracefully"
	ReasonStreamError    TerminationReason = "stream_error"
)

// State maps a reason onto the terminal session state it produces.
func (r TerminationReason) State() models.SessionState {
	switch r {
	case ReasonEndTurn, ReasonWantsToStop, ReasonFailGracefully,
		ReasonMaxTurns, ReasonMaxDuration:
		return models.SessionCompleted
	case ReasonUserStop, ReasonHITLAbort, ReasonConfirmDenied:
		return models.SessionStopped
	default:
		return models.SessionError
	}
}

// Terminator evaluates the per-turn termination signals with thresholds
// scaled to the classified task complexity: simple tasks get tighter
// bounds, complex tasks the full configured budget.
type Terminator struct {
	maxTurns    int
	maxDuration time.Duration
	startedAt   time.Time
}

func NewTerminator(cfg config.AgentConfig, complexity models.Complexity, startedAt time.Time) *Terminator {
	turns, duration := scaleThresholds(cfg, complexity)
	return &Terminator{maxTurns: turns, maxDuration: duration, startedAt: startedAt}
}

func scaleThresholds(cfg config.AgentConfig, complexity models.Complexity) (int, time.Duration) {
	turns := cfg.MaxTurns
	duration := cfg.MaxDuration
	switch complexity {
	case models.ComplexitySimple:
		turns = clampMin(turns/3, 5)
		duration = duration / 3
	case models.ComplexityMedium:
		turns = clampMin(turns*2/3, 10)
		duration = duration * 2 / 3
	}
	return turns, duration
}

func clampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}

// MaxTurns returns the scaled turn limit.
func (t *Terminator) MaxTurns() int { return t.maxTurns }

// Check evaluates the turn-boundary signals. turns is the number of
// completed turns.
func (t *Terminator) Check(turns int, now time.Time) (TerminationReason, bool) {
	if turns >= t.maxTurns {
		return ReasonMaxTurns, true
	}
	if now.Sub(t.startedAt) > t.maxDuration {
		return ReasonMaxDuration, true
	}
	return "", false
}
