package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request performance, token consumption, and failover events
//   - Tool execution patterns and latencies
//   - Agent loop health (turns, backtracks, circuit breaker trips)
//   - Session lifecycle and human-in-the-loop outcomes
//   - Event transport throughput toward connected clients
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.SessionStarted()
//	defer metrics.LLMRequestDuration.WithLabelValues("anthropic", "claude-sonnet-4").Observe(time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai|gemini|bedrock|ollama|...), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	LLMTokensUsed *prometheus.CounterVec

	// FailoverCounter counts provider failovers in the routing chain.
	// Labels: from_provider, to_provider, reason (rate_limit|upstream_5xx|auth|...)
	FailoverCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// TurnCounter counts completed agent turns.
	// Labels: stop_reason (end_turn|tool_use|max_tokens|aborted|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures agent turn latency in seconds.
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s, 600s
	TurnDuration prometheus.Histogram

	// BacktrackCounter counts backtrack decisions in the agent loop.
	// Labels: tool_name, error_kind
	BacktrackCounter *prometheus.CounterVec

	// BreakerTripCounter counts circuit breaker trips.
	// Labels: level (reflection|terminate)
	BreakerTripCounter *prometheus.CounterVec

	// IntentLookupCounter counts intent analyzer resolutions.
	// Labels: source (exact_cache|semantic_cache|model|keyword), status (hit|miss)
	IntentLookupCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (agent|provider|tool|session|gateway), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current active sessions.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures session lifetime in seconds.
	// Buckets: 1s, 5s, 30s, 60s, 300s, 600s, 1800s, 3600s
	SessionDuration prometheus.Histogram

	// HITLCounter counts human-in-the-loop requests by outcome.
	// Labels: outcome (approved|denied|timeout|cancelled)
	HITLCounter *prometheus.CounterVec

	// EventCounter counts events delivered to clients.
	// Labels: event_type
	EventCounter *prometheus.CounterVec

	// EventDropCounter counts streaming deltas coalesced by the throttle.
	// Labels: event_type
	EventDropCounter *prometheus.CounterVec

	// SnapshotCounter counts workspace snapshot operations.
	// Labels: operation (create|rollback|prune), status (success|error)
	SnapshotCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures database query latency.
	// Labels: operation (select|insert|update|delete), table
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts database queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "petrel_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		FailoverCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_provider_failovers_total",
				Help: "Total number of provider failovers by source, target, and reason",
			},
			[]string{"from_provider", "to_provider", "reason"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "petrel_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_turns_total",
				Help: "Total number of completed agent turns by stop reason",
			},
			[]string{"stop_reason"},
		),

		TurnDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "petrel_turn_duration_seconds",
				Help:    "Duration of agent turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		BacktrackCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_backtracks_total",
				Help: "Total number of agent loop backtracks by tool and error kind",
			},
			[]string{"tool_name", "error_kind"},
		),

		BreakerTripCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_breaker_trips_total",
				Help: "Total number of circuit breaker trips by level",
			},
			[]string{"level"},
		),

		IntentLookupCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_intent_lookups_total",
				Help: "Total number of intent analyzer resolutions by source and status",
			},
			[]string{"source", "status"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "petrel_active_sessions",
				Help: "Current number of active sessions",
			},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "petrel_session_duration_seconds",
				Help:    "Duration of sessions in seconds",
				Buckets: []float64{1, 5, 30, 60, 300, 600, 1800, 3600},
			},
		),

		HITLCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_hitl_requests_total",
				Help: "Total number of human-in-the-loop requests by outcome",
			},
			[]string{"outcome"},
		),

		EventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_events_sent_total",
				Help: "Total number of events delivered to clients by type",
			},
			[]string{"event_type"},
		),

		EventDropCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_events_coalesced_total",
				Help: "Total number of streaming deltas coalesced before delivery",
			},
			[]string{"event_type"},
		),

		SnapshotCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_snapshots_total",
				Help: "Total number of workspace snapshot operations",
			},
			[]string{"operation", "status"},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "petrel_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petrel_database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 500, 0, 0)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
	if cacheReadTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cache_read").Add(float64(cacheReadTokens))
	}
	if cacheWriteTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cache_write").Add(float64(cacheWriteTokens))
	}
}

// RecordFailover records a provider failover.
//
// Example:
//
//	metrics.RecordFailover("anthropic", "openai", "rate_limit")
func (m *Metrics) RecordFailover(from, to, reason string) {
	m.FailoverCounter.WithLabelValues(from, to, reason).Inc()
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordTurn records a completed agent turn.
//
// Example:
//
//	metrics.RecordTurn("tool_use", time.Since(turnStart).Seconds())
func (m *Metrics) RecordTurn(stopReason string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(stopReason).Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// RecordBacktrack records a backtrack decision in the agent loop.
func (m *Metrics) RecordBacktrack(toolName, errorKind string) {
	m.BacktrackCounter.WithLabelValues(toolName, errorKind).Inc()
}

// RecordBreakerTrip records a circuit breaker trip at the given level.
//
// Example:
//
//	metrics.RecordBreakerTrip("reflection")
func (m *Metrics) RecordBreakerTrip(level string) {
	m.BreakerTripCounter.WithLabelValues(level).Inc()
}

// RecordIntentLookup records an intent analyzer resolution.
//
// Example:
//
//	metrics.RecordIntentLookup("exact_cache", "hit")
func (m *Metrics) RecordIntentLookup(source, status string) {
	m.IntentLookupCounter.WithLabelValues(source, status).Inc()
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("provider", "rate_limit")
//	metrics.RecordError("tool", "timeout")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge and records session duration.
//
// Example:
//
//	start := time.Now()
//	// ... session lifecycle ...
//	metrics.SessionEnded(time.Since(start).Seconds())
func (m *Metrics) SessionEnded(durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordHITL records the outcome of a human-in-the-loop request.
//
// Example:
//
//	metrics.RecordHITL("approved")
func (m *Metrics) RecordHITL(outcome string) {
	m.HITLCounter.WithLabelValues(outcome).Inc()
}

// RecordEventSent records an event delivered to a client.
func (m *Metrics) RecordEventSent(eventType string) {
	m.EventCounter.WithLabelValues(eventType).Inc()
}

// RecordEventCoalesced records a streaming delta merged by the throttle
// instead of being delivered individually.
func (m *Metrics) RecordEventCoalesced(eventType string) {
	m.EventDropCounter.WithLabelValues(eventType).Inc()
}

// RecordSnapshot records a workspace snapshot operation.
//
// Example:
//
//	metrics.RecordSnapshot("create", "success")
func (m *Metrics) RecordSnapshot(operation, status string) {
	m.SnapshotCounter.WithLabelValues(operation, status).Inc()
}

// RecordDatabaseQuery records metrics for a database query.
//
// Example:
//
//	start := time.Now()
//	// ... execute database query ...
//	metrics.RecordDatabaseQuery("select", "sessions", "success", time.Since(start).Seconds())
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
