package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/devserve/devserve/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
// DisableCompression 保证上游响应按原样透传，不被 Transport 自动解压。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DisableCompression:    true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回转发共用的 http.Client。
// UpstreamTimeout 只限制等待响应头的时间，响应体的流式传输不受限制；为 0 时不设上限。
// 客户端不跟随重定向，3xx 原样交给调用方。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	transport := defaultTransport.Clone()
	if cfg != nil {
		transport.ResponseHeaderTimeout = cfg.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
