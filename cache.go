package clove

import (
	"sync"
	"time"
)

// cacheKey uniquely identifies a check result: the model version it was
// evaluated under plus the canonical goal. Results under one model
// version never leak into another.
type cacheKey struct {
	Version string
	Goal    string
}

// cacheEntry stores a check outcome together with the consistency token
// observed when it was computed. Requests carrying a newer token bypass
// the entry. Errors are never cached.
type cacheEntry struct {
	allowed   bool
	token     Token
	expiresAt time.Time // zero means no expiry
}

// Cache stores check results. It is safe for concurrent use from
// multiple goroutines.
//
// Implementations should cache both allowed and denied outcomes; denied
// checks repeat just as often as allowed ones.
type Cache interface {
	// Get retrieves a cached check result for a goal under a model
	// version. Returns the outcome, the token it observed, and whether an
	// entry was found.
	Get(version string, key TupleKey) (allowed bool, token Token, ok bool)

	// Set stores a check result.
	Set(version string, key TupleKey, allowed bool, token Token)
}

// CacheImpl is the default in-memory cache implementation with optional
// TTL. It uses a sync.RWMutex for goroutine safety; for high-contention
// scenarios consider a sharded cache or an external store.
//
// The cache grows unbounded within its TTL window. For long-running
// processes with large permission sets, consider periodic clearing or a
// short TTL.
type CacheImpl struct {
	mu    sync.RWMutex
	items map[cacheKey]cacheEntry
	ttl   time.Duration // 0 means no expiry
}

// CacheOption configures a Cache.
type CacheOption func(*CacheImpl)

// WithTTL sets the time-to-live for cache entries. Entries older than
// TTL are re-checked. A TTL of 0 (default) means entries never expire
// within the cache's lifetime.
//
// Choose TTL based on how quickly permission changes must be visible to
// cached readers; writers that pass their consistency token to reads
// bypass stale entries regardless of TTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *CacheImpl) {
		c.ttl = ttl
	}
}

// NewCache creates a new check cache. The cache is safe for concurrent
// use but scoped to a single process.
func NewCache(opts ...CacheOption) *CacheImpl {
	c := &CacheImpl{
		items: make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a cached check result.
func (c *CacheImpl) Get(version string, key TupleKey) (bool, Token, bool) {
	k := cacheKey{Version: version, Goal: key.String()}

	c.mu.RLock()
	entry, ok := c.items[k]
	c.mu.RUnlock()

	if !ok {
		return false, NoToken, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, k)
		c.mu.Unlock()
		return false, NoToken, false
	}
	return entry.allowed, entry.token, true
}

// Set stores a check result.
func (c *CacheImpl) Set(version string, key TupleKey, allowed bool, token Token) {
	k := cacheKey{Version: version, Goal: key.String()}
	entry := cacheEntry{allowed: allowed, token: token}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}

	c.mu.Lock()
	c.items[k] = entry
	c.mu.Unlock()
}

// Size returns the number of entries in the cache. Useful for
// monitoring cache growth and memory usage.
func (c *CacheImpl) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all entries from the cache. Useful for testing or when
// permission data changes globally.
func (c *CacheImpl) Clear() {
	c.mu.Lock()
	c.items = make(map[cacheKey]cacheEntry)
	c.mu.Unlock()
}

// Ensure CacheImpl implements Cache.
var _ Cache = (*CacheImpl)(nil)
