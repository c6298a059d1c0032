package proxy

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cacheproxy/internal/cache"
	"github.com/any-hub/cacheproxy/internal/logging"
	"github.com/any-hub/cacheproxy/internal/metrics"
	"github.com/any-hub/cacheproxy/internal/server"
	"github.com/any-hub/cacheproxy/internal/version"
)

// Handler 负责“命中 → 直接回放，未命中 → 回源并边转发边写缓存”的全流程，
// 对外暴露 Fiber handler，内部复用共享 http.Client 与磁盘索引。
type Handler struct {
	client  *http.Client
	logger  *logrus.Logger
	index   *cache.Index
	metrics *metrics.Recorder
}

// NewHandler constructs a proxy handler. index 为 nil 时所有请求直接透传；recorder 可为 nil。
func NewHandler(client *http.Client, logger *logrus.Logger, index *cache.Index, recorder *metrics.Recorder) *Handler {
	return &Handler{
		client:  client,
		logger:  logger,
		index:   index,
		metrics: recorder,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	rawTarget := string(c.Request().Header.RequestURI())

	if c.Method() == http.MethodGet && isPing(rawTarget) {
		return c.JSON(fiber.Map{"version": version.Version})
	}

	target, err := parseTarget(rawTarget)
	if err == nil && c.Method() != http.MethodGet {
		err = errMethodNotSupported
	}
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action":     "proxy_refused",
			"method":     c.Method(),
			"target":     rawTarget,
			"request_id": requestID,
		}).WithError(err).Warn("request refused")
		return h.writeError(c, fiber.StatusNotImplemented, "not_implemented")
	}

	key := target.String()
	if h.index != nil {
		result, err := h.index.Get(key)
		switch {
		case err == nil:
			return h.serveCache(c, key, result, requestID, started)
		case errors.Is(err, cache.ErrNotFound):
			// miss, continue
		default:
			h.logger.WithError(err).
				WithFields(logrus.Fields{"action": "cache_get", "url": key}).
				Warn("cache_get_failed")
		}
	}

	return h.fetchAndStream(c, key, requestID, started)
}

// serveCache 回放缓存的状态码与响应头，正文由 fasthttp 直接从文件流式写出并负责关闭。
// 长度以 Get 时打开的文件为准。
func (h *Handler) serveCache(c fiber.Ctx, key string, result *cache.ReadResult, requestID string, started time.Time) error {
	size := result.Size
	status := fiber.StatusOK
	if meta, ok := result.Entry.Metadata().(*responseMeta); ok && meta != nil {
		status = meta.Status
		applyHeaders(c, meta.Header)
	}
	c.Set("X-Cache-Hit", "true")
	c.Status(status)
	c.Response().SetBodyStream(result.Reader, int(size))

	fields := logrus.Fields{
		"bytes":        size,
		"entry_age_ms": time.Since(result.ModTime).Milliseconds(),
	}
	h.metrics.ObserveRequest(metrics.OutcomeHit)
	h.metrics.AddServed("cache", size)
	h.logResult(key, requestID, status, true, started, nil, fields)
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	url string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
	extra ...logrus.Fields,
) {
	fields := logging.RequestFields(url, http.MethodGet, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	for _, more := range extra {
		for k, v := range more {
			fields[k] = v
		}
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
