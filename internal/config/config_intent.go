package config

import "time"

// IntentConfig configures intent analysis and its caches.
type IntentConfig struct {
	// TTL is how long a cached intent result stays valid. Default: 5m.
	TTL time.Duration `yaml:"ttl"`

	// Timeout bounds the model-backed classification call; on expiry
	// the keyword fallback answers instead. Default: 200ms.
	Timeout time.Duration `yaml:"timeout"`

	// SemanticThreshold is the minimum trigram similarity for the
	// near-duplicate cache layer to hit. Default: 0.9.
	SemanticThreshold float64 `yaml:"semantic_threshold"`

	// CacheSize caps entries kept per cache layer. Default: 256.
	CacheSize int `yaml:"cache_size"`

	// DisableModel skips the model layer entirely, leaving exact,
	// semantic, and keyword layers. Default: false.
	DisableModel bool `yaml:"disable_model"`
}

func (c *IntentConfig) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 200 * time.Millisecond
	}
	if c.SemanticThreshold <= 0 || c.SemanticThreshold > 1 {
		c.SemanticThreshold = 0.9
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
}
