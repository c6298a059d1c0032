package proxy

import (
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/cacheproxy/internal/server"
)

// responseMeta 是随条目保存在内存中的上游响应信息，命中时原样回放。
type responseMeta struct {
	Status int
	Header http.Header
}

// serverManagedHeaders 由 fasthttp 自行生成，不从上游复制。
var serverManagedHeaders = []string{"Content-Length", "Date"}

func captureMeta(resp *http.Response) *responseMeta {
	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	for _, key := range serverManagedHeaders {
		header.Del(key)
	}
	return &responseMeta{Status: resp.StatusCode, Header: header}
}

func applyHeaders(c fiber.Ctx, header http.Header) {
	c.Response().Header.SetNoDefaultContentType(true)
	for key, values := range header {
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
