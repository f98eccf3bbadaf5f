package proxy

import (
	"net/http"
	"net/textproto"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段
// 以及 Connection 中列出的字段。
func CopyHeaders(dst, src http.Header) {
	extra := connectionTokens(src.Values("Connection"))
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		if _, listed := extra[textproto.CanonicalMIMEHeaderKey(key)]; listed {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func connectionTokens(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	tokens := make(map[string]struct{})
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}

// requestHeadersAsHTTP 把 fasthttp 请求头转成 http.Header，Host 与 Content-Length
// 由转发请求自身的字段表达，这里不再携带。
func requestHeadersAsHTTP(in *fasthttp.RequestHeader) http.Header {
	header := http.Header{}
	in.VisitAll(func(key, value []byte) {
		name := string(key)
		switch textproto.CanonicalMIMEHeaderKey(name) {
		case fiber.HeaderHost, fiber.HeaderContentLength:
			return
		}
		header.Add(name, string(value))
	})
	return header
}

// copyResponseHeaders 将上游响应头写回客户端；Content-Length 交给 SendStream 设置。
func copyResponseHeaders(out *fasthttp.ResponseHeader, headers http.Header) {
	filtered := http.Header{}
	CopyHeaders(filtered, headers)
	filtered.Del(fiber.HeaderContentLength)

	if filtered.Get(fiber.HeaderContentType) == "" {
		out.SetNoDefaultContentType(true)
	}
	for key, values := range filtered {
		for i, value := range values {
			if i == 0 {
				out.Set(key, value)
				continue
			}
			out.Add(key, value)
		}
	}
}
