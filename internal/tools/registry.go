// Package tools implements tool selection and execution: the capability
// selector's three layers, the dispatch strategies, input validation,
// the approval policy, the result guard, and the builtin tool set.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/petrelhq/petrel/internal/capability"
	"github.com/petrelhq/petrel/pkg/models"
)

// Call is one tool invocation request, assembled by the loop from a
// tool_use block plus session identity.
type Call struct {
	ToolUseID string
	Name      string
	Input     json.RawMessage

	ConversationID string
	SessionID      string
	UserID         string
	AgentID        string

	// Env layers skill-declared variables over the process environment
	// for subprocess-backed tools.
	Env map[string]string
}

// Result is a completed execution's output.
type Result struct {
	Content string
	IsError bool
}

// Handler executes one tool in-process.
type Handler interface {
	// Capability describes the tool for selection and validation.
	Capability() *models.Capability

	Execute(ctx context.Context, call *Call) (*Result, error)
}

// Streamer is implemented by handlers with the streaming strategy. Chunks
// are forwarded as progress while the call runs; the returned result is
// still the full content.
type Streamer interface {
	ExecuteStream(ctx context.Context, call *Call, yield func(chunk string)) (*Result, error)
}

// Registry maps tool names to handlers and mirrors their capability
// descriptors into the shared catalog.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	caps     *capability.Registry
}

func NewRegistry(caps *capability.Registry) *Registry {
	return &Registry{
		handlers: map[string]Handler{},
		caps:     caps,
	}
}

// Register installs a handler, replacing any previous one with the same
// name, and publishes its capability.
func (r *Registry) Register(h Handler) error {
	cap := h.Capability()
	if cap == nil || cap.Name == "" {
		return fmt.Errorf("handler has no capability name")
	}
	r.mu.Lock()
	r.handlers[cap.Name] = h
	r.mu.Unlock()
	if r.caps != nil {
		return r.caps.Register(cap, nil)
	}
	return nil
}

// Resolve returns the handler for a name.
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
