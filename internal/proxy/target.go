package proxy

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	errMethodNotSupported = errors.New("only GET is proxied")
	errNotProxyRequest    = errors.New("request target is not an absolute http URL")
)

// isPing 判断 origin-form 的 /ping 请求，请求目标必须恰好是 /ping。
func isPing(raw string) bool {
	return raw == "/ping"
}

// parseTarget 解析代理请求行中的绝对 URL，只接受 http scheme。
func parseTarget(raw string) (*url.URL, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotProxyRequest, err)
	}
	if target.Scheme != "http" || target.Host == "" {
		return nil, errNotProxyRequest
	}
	target.Fragment = ""
	target.RawFragment = ""
	return target, nil
}
