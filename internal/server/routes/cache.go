package routes

import (
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/cacheproxy/internal/cache"
)

// StatsSource 由 *cache.Index 实现。
type StatsSource interface {
	Stats() cache.Stats
}

// RegisterCacheRoutes 暴露 /-/cache 诊断接口，返回索引的条目数、字节数与累计事件。
// source 为 nil（缓存关闭）时返回 {"enabled": false}。
func RegisterCacheRoutes(app *fiber.App, source StatsSource) {
	if app == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		if source == nil {
			return c.JSON(fiber.Map{"enabled": false})
		}
		return c.JSON(encodeStats(source.Stats()))
	})
}

// RegisterMetricsRoutes 通过 adaptor 把 Prometheus 的 net/http 处理器挂到 /-/metrics。
func RegisterMetricsRoutes(app *fiber.App, handler http.Handler) {
	if app == nil || handler == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(handler))
}

type statsPayload struct {
	Enabled bool `json:"enabled"`
	cache.Stats
}

func encodeStats(s cache.Stats) statsPayload {
	return statsPayload{Enabled: true, Stats: s}
}
