package tools

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed tool execution. The executor guarantees
// every failure carries exactly one kind; the loop's error table keys on
// {kind, tool name}.
type ErrorKind string

const (
	ErrTimeout    ErrorKind = "timeout"
	ErrAuth       ErrorKind = "auth_failure"
	ErrValidation ErrorKind = "validation_error"
	ErrExecution  ErrorKind = "execution_error"
	ErrNotFound   ErrorKind = "not_found"
)

// ToolError is the typed failure of one tool execution. It is always
// captured into a tool_result block with is_error true, never propagated
// as a loop failure.
type ToolError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Kind)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Message is the text placed into the tool_result content.
func (e *ToolError) Message() string {
	switch e.Kind {
	case ErrTimeout:
		return fmt.Sprintf("tool %s timed out: %v", e.Tool, e.Err)
	case ErrAuth:
		return fmt.Sprintf("tool %s authentication failed: %v", e.Tool, e.Err)
	case ErrValidation:
		return fmt.Sprintf("invalid input for tool %s: %v", e.Tool, e.Err)
	case ErrNotFound:
		return fmt.Sprintf("unknown tool %s", e.Tool)
	default:
		return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
	}
}

func newToolError(kind ErrorKind, tool string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Err: err}
}

// classify wraps an arbitrary handler error. Context expiry maps to
// timeout; handlers may return a *ToolError directly to pick their kind.
func classify(tool string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		if te.Tool == "" {
			te.Tool = tool
		}
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newToolError(ErrTimeout, tool, err)
	}
	return newToolError(ErrExecution, tool, err)
}
