package proxy

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cacheproxy/internal/cache"
	"github.com/any-hub/cacheproxy/internal/metrics"
	"github.com/any-hub/cacheproxy/internal/server"
	"github.com/any-hub/cacheproxy/internal/version"
)

// fetchAndStream 回源并把正文交给 fasthttp 的流式写出器：
// 每个块先写给客户端再追加到缓存事务，只有 200 响应会被缓存。
func (h *Handler) fetchAndStream(c fiber.Ctx, target string, requestID string, started time.Time) error {
	// 正文在 handler 返回后才写出，上游请求不能绑定到 fiber.Ctx 的生命周期。
	ctx, cancel := context.WithCancel(context.Background())

	req, err := h.buildUpstreamRequest(ctx, c, target)
	if err != nil {
		cancel()
		h.logResult(target, requestID, 0, false, started, err)
		h.metrics.ObserveRequest(metrics.OutcomeError)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	upstreamStarted := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		cancel()
		h.logResult(target, requestID, 0, false, started, err)
		h.metrics.ObserveRequest(metrics.OutcomeError)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	h.metrics.ObserveUpstream(time.Since(upstreamStarted))

	meta := captureMeta(resp)
	applyHeaders(c, meta.Header)
	c.Set("X-Cache-Hit", "false")
	c.Status(resp.StatusCode)

	tx, outcome := h.beginTransaction(target, meta, resp.ContentLength)

	c.Response().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer resp.Body.Close()

		result, err := cache.Stream(ctx, flushWriter{w: w}, resp.Body, tx)
		h.metrics.AddServed("upstream", result.Written)

		fields := logrus.Fields{
			"bytes":  result.Written,
			"cached": result.Entry != nil,
		}
		if result.CacheErr != nil {
			fields["cache_error"] = result.CacheErr.Error()
			if errors.Is(result.CacheErr, cache.ErrCacheSizeExceeded) {
				outcome = metrics.OutcomeRejected
			}
		}
		if err != nil {
			outcome = metrics.OutcomeError
		}
		h.metrics.ObserveRequest(outcome)
		h.logResult(target, requestID, resp.StatusCode, false, started, err, fields)
	})
	return nil
}

// beginTransaction 为可缓存的响应打开写事务，并给出用于指标的请求结果。
// 声明长度超过上限或事务无法创建时返回 nil，响应照常透传。
func (h *Handler) beginTransaction(target string, meta *responseMeta, contentLength int64) (*cache.Transaction, string) {
	if h.index == nil || !isCacheableStatus(meta.Status) {
		return nil, metrics.OutcomeBypass
	}
	tx, err := h.index.Begin(target, meta, contentLength)
	switch {
	case err == nil:
		return tx, metrics.OutcomeMiss
	case errors.Is(err, cache.ErrCacheSizeExceeded):
		h.logger.WithFields(logrus.Fields{"action": "cache_reject", "url": target, "content_length": contentLength}).
			Info("response too large to cache")
		return nil, metrics.OutcomeRejected
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_begin", "url": target}).
			Warn("cache_begin_failed")
		return nil, metrics.OutcomeBypass
	}
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	req.Header.Add("Via", version.Via())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	return req, nil
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func isCacheableStatus(status int) bool {
	return status == http.StatusOK
}

// flushWriter 每写一块就刷新到连接，客户端断开会以写错误的形式立即暴露。
type flushWriter struct {
	w *bufio.Writer
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}
