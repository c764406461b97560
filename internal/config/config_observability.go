package config

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Default: "info".
	Level string `yaml:"level"`

	// Format is "json" or "text". Default: "json".
	Format string `yaml:"format"`

	// File appends logs to a file instead of stderr when set.
	File string `yaml:"file"`

	// AddSource includes source file and line in each record.
	// Default: false.
	AddSource bool `yaml:"add_source"`

	// RedactPatterns are extra regexes masked in log output, on top of
	// the built-in secret patterns.
	RedactPatterns []string `yaml:"redact_patterns"`
}

func (c *LoggingConfig) applyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
}

// ObservabilityConfig configures tracing and the diagnostics bus.
type ObservabilityConfig struct {
	// Tracing configures OpenTelemetry export.
	Tracing TracingConfig `yaml:"tracing"`

	// Diagnostics enables the in-process diagnostic event bus consumed
	// by `petrel serve --debug` and usage accounting. Default: true.
	Diagnostics *bool `yaml:"diagnostics"`

	// EventJournalSize caps the in-memory debug event journal backing
	// the gateway's session.trace method. -1 disables the journal.
	// Default: 10000.
	EventJournalSize int `yaml:"event_journal_size"`
}

// TracingConfig configures the OTLP trace exporter. Tracing is off
// until an endpoint is set.
type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address, host:port. Empty
	// disables tracing.
	Endpoint string `yaml:"endpoint"`

	// ServiceName tags exported spans. Default: "petrel".
	ServiceName string `yaml:"service_name"`

	// SampleRate is the fraction of runs traced, 0 to 1. Default: 1.0.
	SampleRate float64 `yaml:"sample_rate"`

	// Insecure skips TLS to the collector. Default: false.
	Insecure bool `yaml:"insecure"`
}

func (c *ObservabilityConfig) applyDefaults() {
	if c.Diagnostics == nil {
		c.Diagnostics = boolPtr(true)
	}
	if c.EventJournalSize == 0 {
		c.EventJournalSize = 10000
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "petrel"
	}
	if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
		c.Tracing.SampleRate = 1.0
	}
}
