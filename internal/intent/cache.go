package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/petrelhq/petrel/pkg/models"
)

// cacheEntry holds one cached classification with its semantic key.
type cacheEntry struct {
	key      string
	trigrams map[string]struct{}
	result   models.IntentResult
	storedAt time.Time
}

// resultCache serves the exact and near-duplicate layers from one TTL-bound
// structure. Exact lookups hash the normalized text; semantic lookups scan
// recent entries for trigram similarity above the threshold.
type resultCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	order     []string // insertion order, oldest first
	ttl       time.Duration
	maxSize   int
	threshold float64
}

func newResultCache(ttl time.Duration, maxSize int, threshold float64) *resultCache {
	return &resultCache{
		entries:   map[string]*cacheEntry{},
		ttl:       ttl,
		maxSize:   maxSize,
		threshold: threshold,
	}
}

// normalize collapses whitespace and case so trivially different phrasings
// hash the same.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func exactKey(text string) string {
	sum := sha256.Sum256([]byte(normalize(text)))
	return hex.EncodeToString(sum[:])
}

// trigramSet returns the character trigrams of the normalized text.
func trigramSet(text string) map[string]struct{} {
	norm := normalize(text)
	set := map[string]struct{}{}
	runes := []rune(norm)
	if len(runes) < 3 {
		if len(runes) > 0 {
			set[string(runes)] = struct{}{}
		}
		return set
	}
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}

// jaccard computes set overlap in [0,1].
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// getExact returns the cached result for exactly this text.
func (c *resultCache) getExact(text string, now time.Time) (models.IntentResult, bool) {
	key := exactKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || now.Sub(entry.storedAt) > c.ttl {
		return models.IntentResult{}, false
	}
	return entry.result, true
}

// getSimilar scans live entries for a near-duplicate above the threshold.
func (c *resultCache) getSimilar(text string, now time.Time) (models.IntentResult, bool) {
	grams := trigramSet(text)
	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1.0
	var bestEntry *cacheEntry
	for _, entry := range c.entries {
		if now.Sub(entry.storedAt) > c.ttl {
			continue
		}
		if sim := jaccard(grams, entry.trigrams); sim >= c.threshold && sim > best {
			best = sim
			bestEntry = entry
		}
	}
	if bestEntry == nil {
		return models.IntentResult{}, false
	}
	return bestEntry.result, true
}

// put stores a result under the text's exact key and prunes stale and
// excess entries, oldest first.
func (c *resultCache) put(text string, result models.IntentResult, now time.Time) {
	key := exactKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &cacheEntry{
		key:      key,
		trigrams: trigramSet(text),
		result:   result,
		storedAt: now,
	}

	kept := c.order[:0]
	for _, k := range c.order {
		entry, ok := c.entries[k]
		if !ok {
			continue
		}
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
	for len(c.order) > c.maxSize {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, evict)
	}
}
