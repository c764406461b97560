package models

import "time"

// SessionState tracks a session through its lifecycle.
type SessionState string

const (
	// SessionIdle is the state before the first turn starts.
	SessionIdle SessionState = "idle"
	// SessionRunning means the RVR-B loop is executing turns.
	SessionRunning SessionState = "running"
	// SessionWaitingHITL means execution is suspended on a human decision.
	SessionWaitingHITL SessionState = "waiting_hitl"
	// SessionCompleted is the successful terminal state.
	SessionCompleted SessionState = "completed"
	// SessionStopped is the user-cancelled terminal state.
	SessionStopped SessionState = "stopped"
	// SessionError is the failure terminal state.
	SessionError SessionState = "error"
)

// IsTerminal reports whether the state is final.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionStopped, SessionError:
		return true
	default:
		return false
	}
}

// SessionInfo is the externally visible snapshot of a session, carried in
// events and status reports.
type SessionInfo struct {
	SessionID           string       `json:"session_id"`
	ConversationID      string       `json:"conversation_id"`
	AgentID             string       `json:"agent_id,omitempty"`
	State               SessionState `json:"state"`
	StartedAt           time.Time    `json:"started_at"`
	TurnCount           int          `json:"turn_count"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	BacktrackCount      int          `json:"backtrack_count"`
	SnapshotID          string       `json:"snapshot_id,omitempty"`
	Usage               TokenUsage   `json:"usage"`
}

// ToolInvocation records one tool call during a turn. Live records belong to
// the session; folded copies survive in history as tool_result blocks.
type ToolInvocation struct {
	ToolUseID     string    `json:"tool_use_id"`
	Name          string    `json:"name"`
	Input         []byte    `json:"input,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	Result        string    `json:"result,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	IsError       bool      `json:"is_error,omitempty"`
	// SafetyRefusal marks a call stopped by the approval policy or an
	// explicit user rejection rather than an execution failure.
	SafetyRefusal bool   `json:"safety_refusal,omitempty"`
	ScratchpadRef string `json:"scratchpad_ref,omitempty"`
}

// Elapsed returns the invocation duration, or zero if still running.
func (t *ToolInvocation) Elapsed() time.Duration {
	if t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}
