package providers

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorKindRetryable(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		expected bool
	}{
		{ErrRateLimit, true},
		{ErrUpstream, true},
		{ErrBadRequest, false},
		{ErrStreamInterrupted, false},
		{ErrAuth, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.expected {
				t.Errorf("ErrorKind(%q).Retryable() = %v, want %v", tt.kind, got, tt.expected)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"nil error", nil, ErrUpstream},
		{"rate limit", errors.New("rate limit exceeded"), ErrRateLimit},
		{"too many requests", errors.New("too many requests"), ErrRateLimit},
		{"429 status", errors.New("HTTP 429"), ErrRateLimit},
		{"resource exhausted", errors.New("rpc error: resource exhausted"), ErrRateLimit},
		{"quota", errors.New("quota exceeded for project"), ErrRateLimit},
		{"billing", errors.New("billing hard limit reached"), ErrRateLimit},
		{"unauthorized", errors.New("unauthorized"), ErrAuth},
		{"invalid api key", errors.New("invalid api key provided"), ErrAuth},
		{"forbidden", errors.New("403 forbidden"), ErrAuth},
		{"permission denied", errors.New("permission denied on model"), ErrAuth},
		{"invalid request", errors.New("invalid request: missing field"), ErrBadRequest},
		{"model not found", errors.New("model_not_found"), ErrBadRequest},
		{"context length", errors.New("context length exceeded"), ErrBadRequest},
		{"prompt too long", errors.New("prompt is too long: 250000 tokens"), ErrBadRequest},
		{"connection reset", errors.New("read tcp: connection reset by peer"), ErrStreamInterrupted},
		{"unexpected eof", errors.New("unexpected EOF"), ErrStreamInterrupted},
		{"broken pipe", errors.New("write: broken pipe"), ErrStreamInterrupted},
		{"server error", errors.New("internal server error"), ErrUpstream},
		{"overloaded", errors.New("overloaded_error"), ErrUpstream},
		{"service unavailable", errors.New("503 service unavailable"), ErrUpstream},
		{"deadline exceeded", errors.New("context deadline exceeded"), ErrUpstream},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrUpstream},
		{"unknown", errors.New("something went wrong"), ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClassifyPreservesWrappedKind(t *testing.T) {
	inner := NewProviderError("anthropic", "claude-sonnet-4-5", errors.New("boom")).WithKind(ErrAuth)
	wrapped := fmt.Errorf("send failed: %w", inner)

	if got := Classify(wrapped); got != ErrAuth {
		t.Errorf("Classify(wrapped) = %v, want %v", got, ErrAuth)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorKind
	}{
		{429, ErrRateLimit},
		{401, ErrAuth},
		{403, ErrAuth},
		{408, ErrUpstream},
		{400, ErrBadRequest},
		{404, ErrBadRequest},
		{422, ErrBadRequest},
		{500, ErrUpstream},
		{502, ErrUpstream},
		{503, ErrUpstream},
		{529, ErrUpstream},
		{0, ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.expected {
				t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
}

func TestProviderErrorBuilders(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewProviderError("anthropic", "claude-sonnet-4-5", cause).
		WithStatus(429).
		WithCode("rate_limit_error").
		WithRequestID("req-123")

	if err.Kind != ErrRateLimit {
		t.Errorf("Kind = %v, want %v", err.Kind, ErrRateLimit)
	}
	if err.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", err.Provider)
	}
	if err.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q, want claude-sonnet-4-5", err.Model)
	}
	if err.Status != 429 {
		t.Errorf("Status = %d, want 429", err.Status)
	}
	if err.Code != "rate_limit_error" {
		t.Errorf("Code = %q, want rate_limit_error", err.Code)
	}
	if err.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want req-123", err.RequestID)
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return cause")
	}
	if !err.Retryable() {
		t.Error("rate limit error should be retryable")
	}
}

func TestWithStatusReclassifies(t *testing.T) {
	// Classified from text first, then the status arrives and wins.
	err := NewProviderError("openai", "gpt-4o", errors.New("something went wrong"))
	if err.Kind != ErrUpstream {
		t.Fatalf("initial Kind = %v, want %v", err.Kind, ErrUpstream)
	}

	err.WithStatus(401)
	if err.Kind != ErrAuth {
		t.Errorf("Kind after WithStatus(401) = %v, want %v", err.Kind, ErrAuth)
	}

	// Zero status leaves the classification alone.
	err.WithStatus(0)
	if err.Kind != ErrAuth {
		t.Errorf("Kind after WithStatus(0) = %v, want %v", err.Kind, ErrAuth)
	}
}

func TestProviderErrorString(t *testing.T) {
	err := NewProviderError("bedrock", "claude-sonnet", errors.New("throttled")).
		WithStatus(429).
		WithRequestID("abc")

	s := err.Error()
	for _, want := range []string{"[rate_limit]", "bedrock/claude-sonnet", "throttled", "status 429", "request abc"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q, missing %q", s, want)
		}
	}

	bare := NewProviderError("ollama", "", errors.New("down"))
	if strings.Contains(bare.Error(), "/") {
		t.Errorf("Error() without model = %q, should not render a model segment", bare.Error())
	}
}

func TestGetProviderError(t *testing.T) {
	pe := NewProviderError("gemini", "gemini-2.5-pro", errors.New("test"))
	wrapped := fmt.Errorf("router: %w", pe)

	got, ok := GetProviderError(wrapped)
	if !ok || got != pe {
		t.Error("GetProviderError should extract a wrapped ProviderError")
	}
	if !IsProviderError(wrapped) {
		t.Error("IsProviderError should see through wrapping")
	}

	if _, ok := GetProviderError(errors.New("plain")); ok {
		t.Error("GetProviderError should return false for a plain error")
	}
	if IsProviderError(nil) {
		t.Error("IsProviderError(nil) should be false")
	}
}
