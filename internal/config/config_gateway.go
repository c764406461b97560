package config

import (
	"fmt"
	"time"
)

// GatewayConfig configures the WebSocket endpoint clients connect to.
type GatewayConfig struct {
	// Host is the listen address. Default: "127.0.0.1".
	Host string `yaml:"host"`

	// Port is the listen port. Default: 8420.
	Port int `yaml:"port"`

	// MetricsAddr serves Prometheus metrics and health probes on a
	// separate listener. Empty disables it. Default: "127.0.0.1:9420".
	MetricsAddr string `yaml:"metrics_addr"`

	// HeartbeatInterval is the gap between tick frames sent to the
	// client. A connection that misses two heartbeats is closed.
	// Default: 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// DeltaThrottle is the minimum gap between content_delta events on
	// one connection. Deltas arriving faster are coalesced; the closing
	// content_stop always flushes whatever is pending. Default: 150ms.
	DeltaThrottle time.Duration `yaml:"delta_throttle"`

	// MaxFrameBytes caps the size of a single inbound frame.
	// Default: 1048576 (1 MiB).
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	// WriteTimeout bounds a single frame write to the client.
	// Default: 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AllowedOrigins lists Origin header values accepted during the
	// WebSocket upgrade. Empty allows same-host and non-browser clients
	// only. A single "*" allows everything.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (c *GatewayConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8420
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "127.0.0.1:9420"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DeltaThrottle < 0 {
		c.DeltaThrottle = 0
	}
	if c.DeltaThrottle == 0 {
		c.DeltaThrottle = 150 * time.Millisecond
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

func (c *GatewayConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("gateway.port must be 1-65535, got %d", c.Port)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig configures how gateway connections are authenticated.
type AuthConfig struct {
	// Enabled turns token verification on. When false the gateway
	// accepts any connection; keep it false only on loopback binds.
	// Default: false.
	Enabled bool `yaml:"enabled"`

	// JWTSecret signs and verifies connection tokens (HS256). Required
	// when Enabled. Use ${PETREL_JWT_SECRET} rather than a literal.
	JWTSecret string `yaml:"jwt_secret"`

	// TokenTTL is the lifetime of tokens minted by `petrel auth token`.
	// Default: 24h.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

func (c *AuthConfig) applyDefaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
}

func (c *AuthConfig) validate() error {
	if c.Enabled && c.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.enabled is true")
	}
	return nil
}
