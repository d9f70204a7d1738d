package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// embedCacheTTL is how long a generated embedding stays reusable.
const embedCacheTTL = 7 * 24 * time.Hour

// EmbedCache memoizes query embeddings keyed by content hash so
// repeated lookups of the same text skip the embedding call. Entries
// expire after 7 days; the retention janitor calls Sweep periodically.
type EmbedCache struct {
	mu      sync.Mutex
	entries map[string]embedCacheEntry
	now     func() time.Time
}

type embedCacheEntry struct {
	vector  []float32
	expires time.Time
}

// NewEmbedCache creates an empty embedding cache.
func NewEmbedCache() *EmbedCache {
	return &EmbedCache{
		entries: make(map[string]embedCacheEntry),
		now:     time.Now,
	}
}

func embedCacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// Get returns the cached embedding for text, if present and fresh.
func (c *EmbedCache) Get(text string) ([]float32, bool) {
	key := embedCacheKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.vector, true
}

// Put stores an embedding with the standard TTL.
func (c *EmbedCache) Put(text string, vector []float32) {
	key := embedCacheKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = embedCacheEntry{vector: vector, expires: c.now().Add(embedCacheTTL)}
}

// Sweep drops expired entries and reports how many were removed.
func (c *EmbedCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached embeddings, fresh or not.
func (c *EmbedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
