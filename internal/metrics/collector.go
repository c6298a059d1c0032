package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/any-hub/cacheproxy/internal/cache"
)

const namespace = "cacheproxy"

// StatsSource 由 *cache.Index 实现，采集时读取一次快照。
type StatsSource interface {
	Stats() cache.Stats
}

// CacheCollector 在每次抓取时把索引快照转换为 Prometheus 指标，不额外维护状态。
type CacheCollector struct {
	source StatsSource

	entries     *prometheus.Desc
	bytes       *prometheus.Desc
	maxBytes    *prometheus.Desc
	maxEntries  *prometheus.Desc
	maxAge      *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	expirations *prometheus.Desc
	admissions  *prometheus.Desc
	rejections  *prometheus.Desc
}

func NewCacheCollector(source StatsSource) *CacheCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, nil, nil)
	}
	return &CacheCollector{
		source:      source,
		entries:     desc("entries", "Number of live cache entries."),
		bytes:       desc("bytes", "Total bytes held by live cache entries."),
		maxBytes:    desc("max_bytes", "Configured byte limit, 0 when unbounded."),
		maxEntries:  desc("max_entries", "Configured entry limit, 0 when unbounded."),
		maxAge:      desc("max_age_seconds", "Configured entry lifetime, 0 when unbounded."),
		hits:        desc("hits_total", "Lookups that found a live entry."),
		misses:      desc("misses_total", "Lookups that found nothing or an expired entry."),
		evictions:   desc("evictions_total", "Entries discarded to satisfy size or count limits."),
		expirations: desc("expirations_total", "Entries discarded for exceeding the maximum age."),
		admissions:  desc("admissions_total", "Entries admitted into the index."),
		rejections:  desc("rejections_total", "Objects refused for exceeding the byte limit."),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.entries, c.bytes, c.maxBytes, c.maxEntries, c.maxAge,
		c.hits, c.misses, c.evictions, c.expirations, c.admissions, c.rejections,
	} {
		ch <- d
	}
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.entries, float64(s.Entries))
	gauge(c.bytes, float64(s.TotalBytes))
	gauge(c.maxBytes, float64(s.MaxBytes))
	gauge(c.maxEntries, float64(s.MaxEntries))
	gauge(c.maxAge, float64(s.MaxAgeSecs))
	counter(c.hits, s.Hits)
	counter(c.misses, s.Misses)
	counter(c.evictions, s.Evictions)
	counter(c.expirations, s.Expirations)
	counter(c.admissions, s.Admissions)
	counter(c.rejections, s.Rejections)
}
