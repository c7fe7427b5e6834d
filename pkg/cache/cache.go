// Package cache holds recently reassembled files in memory so repeat
// downloads skip the backend entirely. Entries are whole files keyed by
// file id with a short TTL; access counters live in a separate map with
// a longer TTL so hot-path reads stay cheap.
package cache

import (
	"sync"
	"time"
)

// Config holds cache tuning knobs.
type Config struct {
	// MaxFileSize is the largest file the cache will hold.
	// Default 50 MiB.
	MaxFileSize int64

	// MaxTotalBytes bounds the cache's overall memory. Least recently
	// used entries are evicted to make room. Default 256 MiB.
	MaxTotalBytes int64

	// FileTTL is how long a cached file stays valid. Default 1h.
	FileTTL time.Duration

	// AccessTTL is how long access counters persist. Default 24h.
	AccessTTL time.Duration
}

// ApplyDefaults fills in zero fields.
func (c *Config) ApplyDefaults() {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 50 * 1024 * 1024
	}
	if c.MaxTotalBytes == 0 {
		c.MaxTotalBytes = 256 * 1024 * 1024
	}
	if c.FileTTL == 0 {
		c.FileTTL = time.Hour
	}
	if c.AccessTTL == 0 {
		c.AccessTTL = 24 * time.Hour
	}
}

// Stats is a snapshot of cache occupancy.
type Stats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
}

type entry struct {
	data     []byte
	expires  time.Time
	lastUsed time.Time
}

type counter struct {
	n       int64
	expires time.Time
}

// Cache is a bounded in-process whole-file cache with TTL expiry and
// LRU eviction. Safe for concurrent use.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	access  map[string]*counter
	total   int64

	hits, misses, evictions int64

	now func() time.Time // overridable in tests
}

// New creates a cache.
func New(cfg Config) *Cache {
	cfg.ApplyDefaults()
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		access:  make(map[string]*counter),
		now:     time.Now,
	}
}

// Get returns the cached bytes for a file id, or (nil, false) on miss.
// A hit bumps the file's access counter.
func (c *Cache) Get(fileID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fileID]
	if !ok || c.now().After(e.expires) {
		if ok {
			c.evict(fileID, e)
		}
		c.misses++
		return nil, false
	}
	e.lastUsed = c.now()
	c.hits++
	c.bumpAccess(fileID)
	return e.data, true
}

// Put caches a file's bytes if they fit the per-file limit, evicting
// least recently used entries to stay within the total budget. The
// file's access counter is bumped whether or not the bytes were stored.
func (c *Cache) Put(fileID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bumpAccess(fileID)

	if int64(len(data)) > c.cfg.MaxFileSize {
		return
	}

	if old, ok := c.entries[fileID]; ok {
		c.evict(fileID, old)
		c.evictions-- // replacement, not pressure
	}
	c.purgeExpired()
	for c.total+int64(len(data)) > c.cfg.MaxTotalBytes && len(c.entries) > 0 {
		c.evictOldest()
	}

	now := c.now()
	c.entries[fileID] = &entry{
		data:     data,
		expires:  now.Add(c.cfg.FileTTL),
		lastUsed: now,
	}
	c.total += int64(len(data))
}

// Invalidate drops a file's cached bytes. Called on any structural
// change to the file's chunks; replica creation does not invalidate
// since the bytes are unchanged.
func (c *Cache) Invalidate(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fileID]; ok {
		c.evict(fileID, e)
		c.evictions--
	}
}

// Contains reports whether a file is currently cached.
func (c *Cache) Contains(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fileID]
	return ok && !c.now().After(e.expires)
}

// AccessCount returns how many times a file has been served (from cache
// or freshly reassembled) within the access-counter TTL.
func (c *Cache) AccessCount(fileID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.access[fileID]
	if !ok || c.now().After(a.expires) {
		return 0
	}
	return a.n
}

// Stats returns an occupancy snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    len(c.entries),
		TotalBytes: c.total,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
}

// bumpAccess increments a file's access counter, resetting its TTL.
// Callers hold c.mu.
func (c *Cache) bumpAccess(fileID string) {
	a, ok := c.access[fileID]
	if !ok || c.now().After(a.expires) {
		a = &counter{}
		c.access[fileID] = a
	}
	a.n++
	a.expires = c.now().Add(c.cfg.AccessTTL)
}

// evict removes one entry. Callers hold c.mu.
func (c *Cache) evict(fileID string, e *entry) {
	c.total -= int64(len(e.data))
	delete(c.entries, fileID)
	c.evictions++
}

// purgeExpired removes every expired entry. Callers hold c.mu.
func (c *Cache) purgeExpired() {
	now := c.now()
	for id, e := range c.entries {
		if now.After(e.expires) {
			c.evict(id, e)
		}
	}
}

// evictOldest removes the least recently used entry. Callers hold c.mu.
func (c *Cache) evictOldest() {
	var oldestID string
	var oldest *entry
	for id, e := range c.entries {
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			oldestID, oldest = id, e
		}
	}
	if oldest != nil {
		c.evict(oldestID, oldest)
	}
}
