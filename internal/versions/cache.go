package versions

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"finitefield.org/hanko-history/internal/platform/metrics"
)

// DefaultCacheTTL is how long a fetched page stays valid.
const DefaultCacheTTL = 5 * time.Minute

// Entry is a cached page of versions stamped with its fetch time.
type Entry struct {
	Items     []Version
	Total     int
	Timestamp time.Time
}

// Cache holds fetched pages keyed by query. Expired entries read as misses but
// stay in the map until the same key is written again.
type Cache struct {
	mu      sync.RWMutex
	items   map[string]Entry
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

// CacheOption customises a Cache.
type CacheOption func(*Cache)

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCacheMetrics counts lookups by result.
func WithCacheMetrics(m *metrics.Metrics) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

// NewCache constructs an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		items: make(map[string]Entry),
		ttl:   DefaultCacheTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Key builds the composite cache key for q.
func Key(q Query) string {
	q = q.Normalize()
	return strings.Join([]string{
		q.ContentID,
		strconv.Itoa(q.Page),
		string(q.Type),
		string(q.Sort),
		q.Search,
		FormatDate(q.DateRange.Start),
		FormatDate(q.DateRange.End),
	}, "|")
}

// Now returns the cache clock's current time.
func (c *Cache) Now() time.Time {
	return c.now()
}

// Get returns the entry stored under key while it is younger than the TTL.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		c.metrics.ObserveCacheLookup(metrics.CacheMiss)
		return Entry{}, false
	}
	if c.now().Sub(entry.Timestamp) >= c.ttl {
		c.metrics.ObserveCacheLookup(metrics.CacheExpired)
		return Entry{}, false
	}
	c.metrics.ObserveCacheLookup(metrics.CacheHit)
	return cloneEntry(entry), true
}

// Set stores entry under key, replacing any previous value.
func (c *Cache) Set(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cloneEntry(entry)
}

// Invalidate drops every entry cached for contentID and returns how many were removed.
func (c *Cache) Invalidate(contentID string) int {
	prefix := strings.TrimSpace(contentID) + "|"

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func cloneEntry(e Entry) Entry {
	e.Items = append([]Version(nil), e.Items...)
	return e
}
