package entitlement

import (
	"sync"
	"time"
)

// Cache holds last-known-good entitlement records for the read path
type Cache interface {
	// Get retrieves a cached record.
	// Returns the record and true if found and not stale, nil and false otherwise.
	Get(userID string) (*Record, bool)

	// Set stores a record with TTL
	Set(rec *Record, ttl time.Duration)

	// Invalidate removes a record from the cache
	Invalidate(userID string)

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached record with expiration time and access time for LRU
type cacheEntry struct {
	record     Record
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache is a cache implementation that does nothing.
// Used when caching is disabled.
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(_ string) (*Record, bool)   { return nil, false }
func (c *NoopCache) Set(_ *Record, _ time.Duration) {}
func (c *NoopCache) Invalidate(_ string)            {}
func (c *NoopCache) Stats() CacheStats              { return CacheStats{} }

// LRUCache implements Cache using an in-memory LRU cache with TTL support
type LRUCache struct {
	mu         sync.Mutex
	records    map[string]*cacheEntry
	maxRecords int
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
	now        func() time.Time
}

// NewLRUCache creates a new LRU cache holding at most maxRecords records
func NewLRUCache(maxRecords int) *LRUCache {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &LRUCache{
		records:    make(map[string]*cacheEntry, maxRecords),
		maxRecords: maxRecords,
		now:        time.Now,
	}
}

func (c *LRUCache) Get(userID string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, exists := c.records[userID]
	if !exists || entry.isExpired(now) {
		c.misses++
		return nil, false
	}

	entry.accessTime = now
	c.hits++

	rec := entry.record
	return &rec, true
}

func (c *LRUCache) Set(rec *Record, ttl time.Duration) {
	if rec == nil || rec.UserID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.records[rec.UserID]; !exists && len(c.records) >= c.maxRecords {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.records[rec.UserID] = &cacheEntry{
		record:     *rec,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest removes the least recently used entry. Caller holds c.mu.
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for key, entry := range c.records {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.records, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, userID)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.records),
	}
}
