package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 聚合进程、运行时与缓存指标，source 为 nil 时（缓存关闭）不注册缓存采集器。
type Registry struct {
	*prometheus.Registry
	Recorder *Recorder
}

func NewRegistry(source StatsSource) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if source != nil {
		reg.MustRegister(NewCacheCollector(source))
	}
	return &Registry{Registry: reg, Recorder: NewRecorder(reg)}
}

// Handler 返回 Prometheus 文本格式的抓取接口。
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{Registry: r.Registry})
}
