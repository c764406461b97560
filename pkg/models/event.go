package models

import "time"

// EventType identifies the kind of agent event. Client-visible types share
// their names with the wire protocol; internal types are filtered out by the
// gateway before delivery.
type EventType string

const (
	// Streaming events mirror the canonical delta kinds.
	EventMessageStart EventType = "message_start"
	EventContentStart EventType = "content_start"
	EventContentDelta EventType = "content_delta"
	EventContentStop  EventType = "content_stop"
	EventMessageStop  EventType = "message_stop"

	// Session lifecycle.
	EventSessionStopped EventType = "session_stopped"
	EventSessionEnd     EventType = "session_end"

	// Human-in-the-loop and rollback.
	EventHITLConfirm        EventType = "hitl_confirm"
	EventRollbackOptions    EventType = "rollback_options"
	EventRollbackCompleted  EventType = "rollback_completed"
	EventLongRunningConfirm EventType = "long_running_confirm"

	// Advisory.
	EventPlaybookSuggestion EventType = "playbook_suggestion"
	EventNotification       EventType = "notification"
	EventError              EventType = "error"

	// Internal-only lifecycle, consumed by observability and plugins.
	EventToolStarted  EventType = "tool_started"
	EventToolFinished EventType = "tool_finished"
	EventTurnStarted  EventType = "turn_started"
	EventTurnFinished EventType = "turn_finished"
)

// ClientVisible reports whether the gateway forwards this event type to the
// connected client.
func (t EventType) ClientVisible() bool {
	switch t {
	case EventToolStarted, EventToolFinished, EventTurnStarted, EventTurnFinished:
		return false
	default:
		return true
	}
}

// Droppable reports whether the event may be throttled. Only incremental
// content deltas are; every lifecycle event must reach the client.
func (t EventType) Droppable() bool {
	return t == EventContentDelta
}

// AgentEvent is the unified event model flowing from the executor to the
// transport. Exactly one payload pointer is non-nil for a given Type.
type AgentEvent struct {
	Type           EventType `json:"type"`
	Time           time.Time `json:"time"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`

	Stream   *StreamPayload   `json:"stream,omitempty"`
	Stop     *StopPayload     `json:"stop,omitempty"`
	Session  *SessionPayload  `json:"session,omitempty"`
	HITL     *HITLPayload     `json:"hitl,omitempty"`
	Rollback *RollbackPayload `json:"rollback,omitempty"`
	Confirm  *ConfirmPayload  `json:"confirm,omitempty"`
	Playbook *PlaybookPayload `json:"playbook,omitempty"`
	Note     *NotePayload     `json:"note,omitempty"`
	Tool     *ToolPayload     `json:"tool,omitempty"`
	Error    *ErrorPayload    `json:"error,omitempty"`
}

// Payload returns the non-nil payload for serialization, or nil.
func (e *AgentEvent) Payload() any {
	switch {
	case e.Stream != nil:
		return e.Stream
	case e.Stop != nil:
		return e.Stop
	case e.Session != nil:
		return e.Session
	case e.HITL != nil:
		return e.HITL
	case e.Rollback != nil:
		return e.Rollback
	case e.Confirm != nil:
		return e.Confirm
	case e.Playbook != nil:
		return e.Playbook
	case e.Note != nil:
		return e.Note
	case e.Tool != nil:
		return e.Tool
	case e.Error != nil:
		return e.Error
	default:
		return nil
	}
}

// StreamPayload carries message_start, content_* and message streaming data.
type StreamPayload struct {
	MessageID   string `json:"message_id,omitempty"`
	Role        Role   `json:"role,omitempty"`
	Index       int    `json:"index,omitempty"`
	Block       *Block `json:"block,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// StopPayload closes a streamed message.
type StopPayload struct {
	Reason StopReason  `json:"reason"`
	Usage  *TokenUsage `json:"usage,omitempty"`
}

// SessionPayload carries session lifecycle details.
type SessionPayload struct {
	State      SessionState `json:"state,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Usage      *TokenUsage  `json:"usage,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`

	// Suggestions are recommended follow-up questions, present on
	// session_end when background generation finished in time.
	Suggestions []string `json:"suggestions,omitempty"`
}

// HITLPayload is the structured question shown to the user at a rendezvous.
type HITLPayload struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name,omitempty"`
	Question  string `json:"question"`

	// Options constrain the answer when non-empty.
	Options []string `json:"options,omitempty"`

	// TimeoutSeconds tells the client how long the rendezvous stays open.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// RollbackPayload describes snapshot disposition.
type RollbackPayload struct {
	SnapshotID string   `json:"snapshot_id"`
	Options    []string `json:"options,omitempty"`
}

// ConfirmPayload asks the user whether a long-running session should continue.
type ConfirmPayload struct {
	TurnCount int    `json:"turn_count"`
	Question  string `json:"question"`
}

// PlaybookPayload carries an extracted draft strategy for user review.
type PlaybookPayload struct {
	Entry *PlaybookEntry `json:"entry"`
}

// NotePayload is generic advisory text.
type NotePayload struct {
	Level string `json:"level,omitempty"`
	Text  string `json:"text"`
}

// ToolPayload describes tool lifecycle for internal consumers.
type ToolPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	IsError   bool   `json:"is_error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// ErrorPayload standardizes errors for delivery.
type ErrorPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`

	// Err preserves the original error for errors.Is/As. Runtime only.
	Err error `json:"-"`
}

// NewStreamEvent builds a streaming event of the given type.
func NewStreamEvent(t EventType, conversationID, sessionID string, p StreamPayload) AgentEvent {
	return AgentEvent{
		Type:           t,
		Time:           time.Now().UTC(),
		ConversationID: conversationID,
		SessionID:      sessionID,
		Stream:         &p,
	}
}

// NewErrorEvent builds an error event.
func NewErrorEvent(conversationID, sessionID, kind, message string, retriable bool, err error) AgentEvent {
	return AgentEvent{
		Type:           EventError,
		Time:           time.Now().UTC(),
		ConversationID: conversationID,
		SessionID:      sessionID,
		Error:          &ErrorPayload{Kind: kind, Message: message, Retriable: retriable, Err: err},
	}
}
