package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 请求结果标签取值。
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeBypass   = "bypass"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Recorder 记录代理层的请求结果、上游耗时与出口字节数。nil Recorder 的方法均为空操作。
type Recorder struct {
	requests *prometheus.CounterVec
	upstream prometheus.Histogram
	served   *prometheus.CounterVec
}

// NewRecorder 创建请求指标并注册到 reg。
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by outcome.",
		}, []string{"outcome"}),
		upstream: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Time until upstream response headers arrived.",
			Buckets:   prometheus.DefBuckets,
		}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "served_bytes_total",
			Help:      "Body bytes delivered to clients by source.",
		}, []string{"source"}),
	}
	reg.MustRegister(r.requests, r.upstream, r.served)
	return r
}

func (r *Recorder) ObserveRequest(outcome string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveUpstream(d time.Duration) {
	if r == nil {
		return
	}
	r.upstream.Observe(d.Seconds())
}

// AddServed 累加从 source（cache 或 upstream）交付的字节数。
func (r *Recorder) AddServed(source string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.served.WithLabelValues(source).Add(float64(n))
}
