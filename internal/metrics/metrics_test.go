package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/cacheproxy/internal/cache"
)

type staticSource cache.Stats

func (s staticSource) Stats() cache.Stats { return cache.Stats(s) }

func TestCacheCollectorExportsSnapshot(t *testing.T) {
	source := staticSource{
		Entries:    3,
		TotalBytes: 1536,
		MaxBytes:   4096,
		Hits:       7,
		Misses:     2,
		Evictions:  1,
	}

	expected := `
# HELP cacheproxy_cache_bytes Total bytes held by live cache entries.
# TYPE cacheproxy_cache_bytes gauge
cacheproxy_cache_bytes 1536
# HELP cacheproxy_cache_entries Number of live cache entries.
# TYPE cacheproxy_cache_entries gauge
cacheproxy_cache_entries 3
# HELP cacheproxy_cache_evictions_total Entries discarded to satisfy size or count limits.
# TYPE cacheproxy_cache_evictions_total counter
cacheproxy_cache_evictions_total 1
# HELP cacheproxy_cache_hits_total Lookups that found a live entry.
# TYPE cacheproxy_cache_hits_total counter
cacheproxy_cache_hits_total 7
# HELP cacheproxy_cache_max_bytes Configured byte limit, 0 when unbounded.
# TYPE cacheproxy_cache_max_bytes gauge
cacheproxy_cache_max_bytes 4096
`
	err := testutil.CollectAndCompare(NewCacheCollector(source), strings.NewReader(expected),
		"cacheproxy_cache_bytes",
		"cacheproxy_cache_entries",
		"cacheproxy_cache_evictions_total",
		"cacheproxy_cache_hits_total",
		"cacheproxy_cache_max_bytes",
	)
	require.NoError(t, err)
	assert.Equal(t, 11, testutil.CollectAndCount(NewCacheCollector(source)))
}

func TestCacheCollectorReadsLiveIndex(t *testing.T) {
	ix, err := cache.NewIndex(t.TempDir(), cache.Options{MaxEntries: 4})
	require.NoError(t, err)

	tx, err := ix.Begin("http://example.com/a", nil, 5)
	require.NoError(t, err)
	_, err = tx.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = tx.Commit()
	require.NoError(t, err)
	_, err = ix.Lookup("http://example.com/a")
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCacheCollector(ix)))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, family := range families {
		metric := family.GetMetric()[0]
		if g := metric.GetGauge(); g != nil {
			values[family.GetName()] = g.GetValue()
		}
		if c := metric.GetCounter(); c != nil {
			values[family.GetName()] = c.GetValue()
		}
	}
	assert.Equal(t, 1.0, values["cacheproxy_cache_entries"])
	assert.Equal(t, 5.0, values["cacheproxy_cache_bytes"])
	assert.Equal(t, 4.0, values["cacheproxy_cache_max_entries"])
	assert.Equal(t, 1.0, values["cacheproxy_cache_hits_total"])
	assert.Equal(t, 1.0, values["cacheproxy_cache_admissions_total"])
}

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveRequest(OutcomeHit)
	r.ObserveRequest(OutcomeHit)
	r.ObserveRequest(OutcomeMiss)
	r.AddServed("cache", 128)
	r.AddServed("cache", 0)
	r.ObserveUpstream(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues(OutcomeHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues(OutcomeMiss)))
	assert.Equal(t, 128.0, testutil.ToFloat64(r.served.WithLabelValues("cache")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.upstream))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveRequest(OutcomeError)
	r.ObserveUpstream(time.Second)
	r.AddServed("upstream", 10)
}

func TestRegistryHandlerServesText(t *testing.T) {
	reg := NewRegistry(staticSource{Entries: 2})
	reg.Recorder.ObserveRequest(OutcomeBypass)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/-/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "cacheproxy_cache_entries 2")
	assert.Contains(t, text, `cacheproxy_requests_total{outcome="bypass"} 1`)
	assert.Contains(t, text, "go_goroutines")
}

func TestRegistryWithoutCache(t *testing.T) {
	reg := NewRegistry(nil)
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		assert.False(t, strings.HasPrefix(family.GetName(), "cacheproxy_cache_"), family.GetName())
	}
}
