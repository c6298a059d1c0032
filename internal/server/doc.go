// Package server hosts the Fiber HTTP service, the request middleware chain
// and the shared upstream client used by the forward proxy. Requests whose raw
// request target starts with "/-/" are diagnostics and fall through to the
// routes registered by package routes; everything else, including absolute-form
// proxy requests, goes to the injected ProxyHandler.
package server
