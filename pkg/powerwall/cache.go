package powerwall

import (
	"encoding/json"
	"sync"
	"time"
)

type cacheEntry struct {
	payload   json.RawMessage
	fetchedAt time.Time
}

// Cache is a path-keyed response cache. Entries are the exact bytes the
// upstream produced; a hit returns them unmodified. Failures are never
// cached, a stale entry simply stays stale until the next successful fetch
// replaces it.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache returns a cache whose entries are fresh for ttl. A zero ttl
// disables caching entirely, every Get misses.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached payload for api if one exists and is still fresh.
func (c *Cache) Get(api string) (json.RawMessage, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[api]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e.payload, true
}

// Put stores payload for api, stamping it with the current time.
func (c *Cache) Put(api string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[api] = cacheEntry{payload: payload, fetchedAt: c.now()}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
