package capability

import (
	"sync"
	"time"
)

// DefaultStatusTTL bounds how long a probed status is trusted before it
// is re-evaluated.
const DefaultStatusTTL = 5 * time.Minute

type statusEntry struct {
	result    ProbeResult
	checkedAt time.Time
}

// statusCache is a TTL map of probe results keyed by capability name.
type statusCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]statusEntry
}

func newStatusCache(ttl time.Duration) *statusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &statusCache{ttl: ttl, entries: make(map[string]statusEntry)}
}

func (c *statusCache) get(name string, now time.Time) (ProbeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[name]
	if !ok || now.Sub(entry.checkedAt) >= c.ttl {
		return ProbeResult{}, false
	}
	return entry.result, true
}

func (c *statusCache) put(name string, result ProbeResult, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = statusEntry{result: result, checkedAt: now}
}

func (c *statusCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

func (c *statusCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]statusEntry)
}
