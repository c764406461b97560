// Package observability provides monitoring and debugging capabilities for
// Petrel through metrics, structured logging, distributed tracing, and a
// per-run event timeline.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// plus two debugging aids specific to agent workloads:
//
//  4. Event journal - bounded flight recorder of turns, tools, and LLM calls
//  5. Diagnostics - low-overhead process-local event bus for usage and health
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - LLM API request latency, token usage, and failovers
//   - Tool execution performance
//   - Agent loop health (turns, backtracks, circuit breaker trips)
//   - Error rates by component and type
//   - Active session counts and human-in-the-loop outcomes
//   - Database query performance
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track LLM requests
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success",
//	    time.Since(start).Seconds(), inputTokens, outputTokens, cacheRead, cacheWrite)
//
//	// Track tool execution
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic correlation IDs pulled from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	// Add context IDs for correlation
//	ctx := observability.AddSessionID(ctx, sessionID)
//	ctx = observability.AddConversationID(ctx, conversationID)
//
//	// Structured logging with automatic context correlation
//	logger.Info(ctx, "turn finished",
//	    "provider", "anthropic",
//	    "stop_reason", "tool_use",
//	)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "LLM request failed",
//	    "error", err,
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to follow a session run through
// turns, LLM calls, tool executions, and database queries:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "petrel",
//	    ServiceVersion: "1.0.0",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceSessionRun(ctx, sessionID, agentID)
//	defer span.End()
//
//	ctx, llmSpan := tracer.TraceLLMRequest(ctx, "anthropic", "claude-sonnet-4")
//	defer llmSpan.End()
//	if err != nil {
//	    tracer.RecordError(llmSpan, err)
//	}
//
// When TraceConfig.Endpoint is empty the tracer is a no-op, so all call
// sites can trace unconditionally.
//
// # Event Journal
//
// The journal is a fixed-capacity ring recording what happened during a
// session run so that stuck or misbehaving runs can be inspected after
// the fact. The session manager feeds it; the gateway's session.trace
// method reads it back:
//
//	journal := observability.NewJournal(10000)
//
//	journal.Record(ctx, observability.JournalEvent{
//	    SessionID: sessionID,
//	    Kind:      observability.JournalToolStart,
//	    Name:      "shell",
//	})
//
//	events := journal.BySession(sessionID)
//	fmt.Println(observability.FormatTimeline(events))
//
// # Diagnostics
//
// Diagnostics are a process-local pub/sub bus for coarse health signals
// (model usage, session state transitions, stuck sessions). They are off by
// default and enabled with SetDiagnosticsEnabled(true); listeners attach via
// OnDiagnosticEvent and must tolerate being called from arbitrary goroutines.
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT and bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted by key name (password, secret,
// token, api_key, authorization, private_key).
//
// # Testing
//
// All components provide testable seams:
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
//   - The journal needs no external services
package observability
