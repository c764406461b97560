package providers

import (
	"context"
	"encoding/json"

	"github.com/petrelhq/petrel/pkg/models"
)

// maxEmptyStreamEvents caps consecutive no-op stream events before the
// stream is treated as malformed. Protects against streams that flood empty
// events and would otherwise spin the pump goroutine.
const maxEmptyStreamEvents = 300

// ToolDef is the provider-facing description of one tool.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one streaming completion call. Messages must already be
// normalized (see NormalizeMessages); adapters convert, they do not repair.
type Request struct {
	// Model is the provider-specific model id.
	Model string

	// System is the system prompt, carried outside Messages because
	// providers disagree on where it goes.
	System string

	Messages []*models.Message
	Tools    []ToolDef

	// MaxTokens caps generation length. Zero means the adapter default.
	MaxTokens int

	// Thinking enables extended reasoning on providers that support it.
	Thinking bool

	// ThinkingBudget is the reasoning token budget when Thinking is set.
	ThinkingBudget int
}

// Clone returns a copy with independent slices. Block contents are shared;
// callers treat messages as immutable once handed to Send.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = append([]*models.Message(nil), r.Messages...)
	out.Tools = append([]ToolDef(nil), r.Tools...)
	return &out
}

// Adapter converts between canonical messages and one provider's wire
// protocol.
type Adapter interface {
	// Name identifies the adapter in logs, metrics and router state.
	Name() string

	// Send issues one streaming completion. The returned channel yields
	// canonical deltas and is closed when the stream ends. Errors before
	// the stream opens are returned; failures after it opens arrive as a
	// terminal error delta on the channel.
	Send(ctx context.Context, req *Request) (<-chan models.Delta, error)

	// Probe reports whether the provider currently answers a cheap
	// request. The router uses it to recover targets out of cooldown.
	Probe(ctx context.Context) bool

	// FilterTools drops tool definitions the provider cannot express.
	FilterTools(tools []ToolDef) []ToolDef
}

func errorDelta(err error) models.Delta {
	return models.Delta{Kind: models.DeltaError, Err: err}
}
