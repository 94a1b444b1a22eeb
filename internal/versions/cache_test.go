package versions

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"finitefield.org/hanko-history/internal/platform/metrics"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time { return c.current }

func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func TestCacheExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{current: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	cache := NewCache(WithClock(clock.Now))
	key := Key(Query{ContentID: "abc"})

	cache.Set(key, Entry{Items: []Version{{ID: "v1"}}, Total: 1, Timestamp: clock.Now()})

	clock.Advance(4*time.Minute + 59*time.Second)
	entry, ok := cache.Get(key)
	require.True(t, ok)
	require.Equal(t, 1, entry.Total)
	require.Equal(t, "v1", entry.Items[0].ID)

	clock.Advance(time.Second + time.Millisecond)
	_, ok = cache.Get(key)
	require.False(t, ok, "entry written 5m1ms ago must read as a miss")

	// Expired entries are not evicted on read.
	require.Equal(t, 1, cache.Len())
}

func TestCacheSetOverwritesExpiredEntry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{current: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	cache := NewCache(WithClock(clock.Now), WithTTL(time.Minute))
	key := Key(Query{ContentID: "abc", Page: 2})

	cache.Set(key, Entry{Total: 1, Timestamp: clock.Now()})
	clock.Advance(2 * time.Minute)
	_, ok := cache.Get(key)
	require.False(t, ok)

	cache.Set(key, Entry{Total: 7, Timestamp: clock.Now()})
	entry, ok := cache.Get(key)
	require.True(t, ok)
	require.Equal(t, 7, entry.Total)
	require.Equal(t, 1, cache.Len())
}

func TestCacheReturnsCopies(t *testing.T) {
	t.Parallel()

	cache := NewCache()
	key := Key(Query{ContentID: "abc"})
	items := []Version{{ID: "v1"}}
	cache.Set(key, Entry{Items: items, Timestamp: time.Now()})
	items[0].ID = "mutated"

	entry, ok := cache.Get(key)
	require.True(t, ok)
	require.Equal(t, "v1", entry.Items[0].ID)
	entry.Items[0].ID = "mutated-again"

	again, _ := cache.Get(key)
	require.Equal(t, "v1", again.Items[0].ID)
}

func TestCacheInvalidateByContent(t *testing.T) {
	t.Parallel()

	cache := NewCache()
	now := time.Now()
	cache.Set(Key(Query{ContentID: "abc", Page: 1}), Entry{Timestamp: now})
	cache.Set(Key(Query{ContentID: "abc", Page: 2}), Entry{Timestamp: now})
	cache.Set(Key(Query{ContentID: "abcd", Page: 1}), Entry{Timestamp: now})

	require.Equal(t, 2, cache.Invalidate("abc"))
	require.Equal(t, 1, cache.Len())
	_, ok := cache.Get(Key(Query{ContentID: "abcd", Page: 1}))
	require.True(t, ok)
}

func TestKeyIncludesEveryParameter(t *testing.T) {
	t.Parallel()

	base := Query{
		ContentID: "abc",
		Page:      3,
		Type:      TypeManual,
		Sort:      SortAsc,
		Search:    "hero",
		DateRange: DateRange{
			Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		},
	}
	require.Equal(t, "abc|3|manual|asc|hero|2025-01-01|2025-01-31", Key(base))
	require.Equal(t, "abc|1||desc|||", Key(Query{ContentID: "abc"}))

	variants := []Query{base, base, base, base, base, base}
	variants[0].Page = 4
	variants[1].Type = TypePublish
	variants[2].Sort = SortDesc
	variants[3].Search = "footer"
	variants[4].DateRange.Start = time.Time{}
	variants[5].DateRange.End = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	for _, v := range variants {
		require.NotEqual(t, Key(base), Key(v))
	}
}

func TestCacheCountsLookups(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{current: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := metrics.New("test")
	cache := NewCache(WithClock(clock.Now), WithCacheMetrics(m))

	cache.Get("missing")
	cache.Set("k", Entry{Timestamp: clock.Now()})
	cache.Get("k")
	clock.Advance(DefaultCacheTTL)
	cache.Get("k")

	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(metrics.CacheMiss)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(metrics.CacheHit)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(metrics.CacheExpired)))
}
