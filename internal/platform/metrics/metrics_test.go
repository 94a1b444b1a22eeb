package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveCountsByLabel(t *testing.T) {
	t.Parallel()

	m := New("test")
	m.ObserveCacheLookup(CacheHit)
	m.ObserveCacheLookup(CacheHit)
	m.ObserveCacheLookup(CacheExpired)
	m.ObserveRemote("list", time.Now(), nil)
	m.ObserveRemote("list", time.Now(), errors.New("boom"))
	m.ObserveOperation("bulk_delete", nil)

	require.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(CacheHit)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues(CacheExpired)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RemoteRequests.WithLabelValues("list", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RemoteRequests.WithLabelValues("list", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("bulk_delete", "ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveCacheLookup(CacheMiss)
		m.ObserveRemote("list", time.Now(), nil)
		m.ObserveOperation("export", nil)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := New("history")
	m.ObserveCacheLookup(CacheMiss)

	ts := httptest.NewServer(m.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Contains(t, string(body), `history_version_cache_lookups_total{result="miss"} 1`)
}
