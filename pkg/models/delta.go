package models

// DeltaKind identifies a canonical streaming event produced by provider
// adapters.
type DeltaKind string

const (
	// DeltaMessageStart opens an assistant message.
	DeltaMessageStart DeltaKind = "message_start"
	// DeltaContentStart opens a content block at Index.
	DeltaContentStart DeltaKind = "content_start"
	// DeltaContentDelta appends text or partial tool input to the block at Index.
	DeltaContentDelta DeltaKind = "content_delta"
	// DeltaContentStop closes the block at Index.
	DeltaContentStop DeltaKind = "content_stop"
	// DeltaMessageDelta carries mid-message metadata such as usage updates.
	DeltaMessageDelta DeltaKind = "message_delta"
	// DeltaMessageStop closes the message with a stop reason.
	DeltaMessageStop DeltaKind = "message_stop"
	// DeltaError terminates the stream with an error.
	DeltaError DeltaKind = "error"
)

// StopReason explains why the model stopped emitting.
type StopReason string

const (
	StopEndTurn     StopReason = "end_turn"
	StopToolUse     StopReason = "tool_use"
	StopMaxTokens   StopReason = "max_tokens"
	StopSequence    StopReason = "stop_sequence"
	StopAborted     StopReason = "aborted"
	StopStreamError StopReason = "error"
)

// Delta is one canonical streaming event. Adapters translate each provider's
// wire stream into this shape; everything downstream consumes only Deltas.
type Delta struct {
	Kind DeltaKind `json:"kind"`

	// Index is the content block position for content_* kinds.
	Index int `json:"index,omitempty"`

	// Block is the opened block shell for content_start. For tool_use blocks
	// the Input field is empty until accumulated from PartialJSON fragments.
	Block *Block `json:"block,omitempty"`

	// Text is an incremental text or thinking fragment for content_delta.
	Text string `json:"text,omitempty"`

	// PartialJSON is an incremental tool_use input fragment for content_delta.
	PartialJSON string `json:"partial_json,omitempty"`

	// StopReason is set on message_stop.
	StopReason StopReason `json:"stop_reason,omitempty"`

	// Usage carries token accounting on message_start, message_delta and
	// message_stop when the provider reports it.
	Usage *TokenUsage `json:"usage,omitempty"`

	// Err is set on error deltas. Not serialized; the gateway converts it to
	// a structured error payload.
	Err error `json:"-"`
}

// IsContent reports whether the delta addresses a content block.
func (d *Delta) IsContent() bool {
	switch d.Kind {
	case DeltaContentStart, DeltaContentDelta, DeltaContentStop:
		return true
	default:
		return false
	}
}
