package gateway

import "encoding/json"

// Frame types on the wire.
const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
	frameTick     = "tick"
	framePong     = "pong"
)

// Protocol error codes returned in response frames.
const (
	codeInvalidFrame       = "INVALID_FRAME"
	codeUnknownMethod      = "UNKNOWN_METHOD"
	codeRequestWhileActive = "REQUEST_WHILE_ACTIVE"
	codeUnauthorized       = "UNAUTHORIZED"
	codeHandshakeRequired  = "HANDSHAKE_REQUIRED"
	codeNotFound           = "NOT_FOUND"
	codeStateInvalid       = "STATE_INVALID"
	codeSessionLimit       = "SESSION_LIMIT"
	codeNoSnapshot         = "NO_SNAPSHOT"
	codeNoPendingDecision  = "NO_PENDING_DECISION"
	codeDecisionMismatch   = "DECISION_MISMATCH"
	codeInternal           = "INTERNAL"
)

// Frame is the single wire envelope. Requests carry id/method/params,
// responses id/ok and payload or error, events event/payload/seq.
// Heartbeats are bare tick and pong frames.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK      *bool       `json:"ok,omitempty"`
	Payload any         `json:"payload,omitempty"`
	Error   *FrameError `json:"error,omitempty"`

	Event string `json:"event,omitempty"`
	Seq   *int64 `json:"seq,omitempty"`
}

// FrameError is the structured error carried by a failed response.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	return e.Code + ": " + e.Message
}

func frameErr(code, message string) *FrameError {
	return &FrameError{Code: code, Message: message}
}

// connectParams open the channel. Auth is required when the gateway
// verifies tokens and no Authorization header was presented.
type connectParams struct {
	MinProtocol int    `json:"min_protocol"`
	MaxProtocol int    `json:"max_protocol"`
	Token       string `json:"token,omitempty"`
	Client      string `json:"client,omitempty"`
	Version     string `json:"version,omitempty"`
}

type chatSendParams struct {
	ConversationID string   `json:"conversation_id"`
	Text           string   `json:"text"`
	AgentID        string   `json:"agent_id,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
}

type chatAbortParams struct {
	SessionID string `json:"session_id"`
}

type chatSteerParams struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type hitlSubmitParams struct {
	SessionID string `json:"session_id"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Answer    string `json:"answer"`
}

type sessionRollbackParams struct {
	SessionID string `json:"session_id"`
}

type sessionTraceParams struct {
	SessionID string `json:"session_id"`
}

type playbookReviewParams struct {
	EntryID string `json:"entry_id"`
}

type chatHistoryParams struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
	Cursor         string `json:"cursor,omitempty"`
}
