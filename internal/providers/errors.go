package providers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// ErrorKind classifies a provider failure for retry and failover decisions.
type ErrorKind string

const (
	// ErrRateLimit is a 429 or quota exhaustion.
	ErrRateLimit ErrorKind = "rate_limit"
	// ErrUpstream is a 5xx, timeout, or other transient upstream failure.
	ErrUpstream ErrorKind = "upstream_5xx"
	// ErrBadRequest is a request the provider rejected; retrying the same
	// payload cannot succeed.
	ErrBadRequest ErrorKind = "bad_request"
	// ErrStreamInterrupted is a stream that broke after it opened.
	ErrStreamInterrupted ErrorKind = "stream_interrupted"
	// ErrAuth is a 401/403 or a missing or invalid key.
	ErrAuth ErrorKind = "auth"
)

// Retryable reports whether retrying the same target may succeed. Interrupted
// streams are excluded: a partial answer is never silently re-requested.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrRateLimit, ErrUpstream:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from one provider call.
type ProviderError struct {
	Kind      ErrorKind
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

// NewProviderError wraps cause with provider context, classifying it from its
// text. Use WithStatus when an HTTP status is available; it reclassifies.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Kind:     Classify(cause),
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("] ")
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString("/")
		b.WriteString(e.Model)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Status != 0 {
		b.WriteString(" (status ")
		b.WriteString(strconv.Itoa(e.Status))
		b.WriteString(")")
	}
	if e.RequestID != "" {
		b.WriteString(" (request ")
		b.WriteString(e.RequestID)
		b.WriteString(")")
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether the same target may be retried.
func (e *ProviderError) Retryable() bool { return e.Kind.Retryable() }

// WithKind overrides the classified kind.
func (e *ProviderError) WithKind(kind ErrorKind) *ProviderError {
	e.Kind = kind
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if status != 0 {
		e.Kind = classifyStatus(status)
	}
	return e
}

// WithCode records the provider's own error code string.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	return e
}

// WithMessage replaces the human-readable message.
func (e *ProviderError) WithMessage(message string) *ProviderError {
	e.Message = message
	return e
}

// WithRequestID records the provider request id, when one was returned.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// IsProviderError reports whether err wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// GetProviderError extracts the ProviderError from err's chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusRequestTimeout:
		return ErrUpstream
	case status >= 500:
		return ErrUpstream
	case status >= 400:
		return ErrBadRequest
	default:
		return ErrUpstream
	}
}

// Classify maps error text to a kind when no status code is available. SDK
// errors vary in structure across providers; substring evidence is the only
// portable signal.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrUpstream
	}
	if pe, ok := GetProviderError(err); ok {
		return pe.Kind
	}

	msg := strings.ToLower(err.Error())

	switch {
	case contains(msg, "rate limit", "rate_limit", "429", "too many requests", "resource exhausted", "quota", "billing", "insufficient credit"):
		return ErrRateLimit
	case contains(msg, "401", "403", "unauthorized", "unauthenticated", "forbidden", "invalid api key", "invalid x-api-key", "authentication", "permission denied"):
		return ErrAuth
	case contains(msg, "400", "404", "422", "invalid request", "invalid_request_error", "not found", "model_not_found", "context length", "maximum context", "prompt is too long"):
		return ErrBadRequest
	case contains(msg, "connection reset", "broken pipe", "unexpected eof", "stream error", "malformed stream"):
		return ErrStreamInterrupted
	case contains(msg, "500", "502", "503", "504", "internal server", "bad gateway", "service unavailable", "gateway timeout", "overloaded", "timeout", "deadline exceeded", "connection refused", "no such host"):
		return ErrUpstream
	default:
		return ErrUpstream
	}
}

func contains(msg string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
