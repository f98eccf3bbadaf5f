package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/devserve/devserve/internal/logging"
)

const badGatewayBody = "Bad Gateway"

// StreamLoggedKey 标记该请求的访问日志由转发流结束时输出，请求中间件不再重复记录。
const StreamLoggedKey = "_devserve_stream_logged"

// Options 描述一个转发目标。Client/Logger 为空时使用默认值。
type Options struct {
	Prefix string
	Target string
	Client *http.Client
	Logger *logrus.Logger
}

// Forwarder 把 Prefix 下的请求去掉前缀后转发到固定上游，并原样流式返回响应。
type Forwarder struct {
	prefix string
	target *url.URL
	// authority 是实际拨号地址 hostname:port，未显式指定端口时按 scheme 取 80/443。
	authority string
	client    *http.Client
	logger    *logrus.Logger
}

// NewForwarder 解析上游地址并创建 Forwarder；上游只使用 scheme/host/port，忽略路径部分。
func NewForwarder(opts Options) (*Forwarder, error) {
	if opts.Target == "" {
		return nil, errors.New("proxy target is required")
	}
	target, err := url.Parse(opts.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy target: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported proxy target scheme %q", target.Scheme)
	}
	if target.Hostname() == "" {
		return nil, fmt.Errorf("proxy target %s has no host", opts.Target)
	}

	port := target.Port()
	if port == "" {
		port = "80"
		if target.Scheme == "https" {
			port = "443"
		}
	}

	client := opts.Client
	if client == nil {
		client = NewUpstreamClient(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Forwarder{
		prefix:    opts.Prefix,
		target:    target,
		authority: net.JoinHostPort(target.Hostname(), port),
		client:    client,
		logger:    logger,
	}, nil
}

// Prefix returns the configured path prefix.
func (f *Forwarder) Prefix() string {
	return f.prefix
}

// Target returns the upstream base URL as configured.
func (f *Forwarder) Target() string {
	return f.target.String()
}

// Matches reports whether a request path (without query) belongs to the upstream.
func (f *Forwarder) Matches(path string) bool {
	return strings.HasPrefix(path, f.prefix)
}

// Handle is the fiber middleware. Non-matching requests continue down the chain.
func (f *Forwarder) Handle(c fiber.Ctx) error {
	rawURI := c.OriginalURL()
	if !f.Matches(pathOnly(rawURI)) {
		return c.Next()
	}
	return f.forward(c, rawURI)
}

// RewritePath 去掉前缀，空路径补为 "/"，原始查询串（含 "?"）原样拼回。
// 前缀只做字面匹配，剩余部分不以 "/" 开头时补一个 "/"，保证上游请求行合法。
func RewritePath(prefix, rawURI string) string {
	path, query := rawURI, ""
	if idx := strings.IndexByte(rawURI, '?'); idx >= 0 {
		path, query = rawURI[:idx], rawURI[idx:]
	}
	stripped := strings.TrimPrefix(path, prefix)
	switch {
	case stripped == "":
		stripped = "/"
	case stripped[0] != '/':
		stripped = "/" + stripped
	}
	return stripped + query
}

func pathOnly(rawURI string) string {
	if idx := strings.IndexByte(rawURI, '?'); idx >= 0 {
		return rawURI[:idx]
	}
	return rawURI
}

// upstreamURL 保留去前缀后的路径原文：路径放进 Opaque，RequestURI 会逐字输出，
// 不做解码也不重新编码。
func (f *Forwarder) upstreamURL(pathWithQuery string) *url.URL {
	path, query := pathWithQuery, ""
	idx := strings.IndexByte(pathWithQuery, '?')
	if idx >= 0 {
		path, query = pathWithQuery[:idx], pathWithQuery[idx+1:]
	}
	u := &url.URL{
		Scheme:     f.target.Scheme,
		Host:       f.authority,
		Opaque:     path,
		RawQuery:   query,
		ForceQuery: idx >= 0 && query == "",
	}
	// "//" 开头的 Opaque 会被 RequestURI 输出成绝对 URI，这种路径退回到 RawPath。
	if strings.HasPrefix(path, "//") {
		u.Opaque = ""
		u.Path, u.RawPath = path, path
		if unescaped, err := url.PathUnescape(path); err == nil {
			u.Path = unescaped
		}
	}
	return u
}

func (f *Forwarder) forward(c fiber.Ctx, rawURI string) error {
	started := time.Now()
	requestID := c.GetRespHeader(fiber.HeaderXRequestID)
	method := c.Method()

	rewritten := RewritePath(f.prefix, rawURI)
	upstream := f.target.Scheme + "://" + f.authority + rewritten

	parent := c.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	body, length := requestBody(c)
	bodyDone := make(chan struct{})
	if length == 0 {
		close(bodyDone)
	} else {
		body = &drainSignal{Reader: body, done: bodyDone}
	}

	req, err := http.NewRequestWithContext(ctx, method, f.target.Scheme+"://"+f.authority+"/", body)
	if err != nil {
		cancel()
		f.logFailure(method, rawURI, upstream, requestID, started, err)
		return f.badGateway(c)
	}
	req.URL = f.upstreamURL(rewritten)
	req.ContentLength = length
	if length == 0 {
		req.Body = http.NoBody
	}
	CopyHeaders(req.Header, requestHeadersAsHTTP(&c.Request().Header))
	req.Host = f.target.Host

	stopWatch := watchDownstream(c.RequestCtx().Conn(), bodyDone, cancel)
	resp, err := f.client.Do(req)
	stopWatch()
	if err != nil {
		cancel()
		f.logFailure(method, rawURI, upstream, requestID, started, err)
		return f.badGateway(c)
	}

	copyResponseHeaders(&c.Response().Header, resp.Header)
	c.Status(resp.StatusCode)
	c.Locals(StreamLoggedKey, true)

	stream := &upstreamBody{
		body:   resp.Body,
		cancel: cancel,
		done: func(n int64, streamErr error) {
			f.logResult(method, rawURI, upstream, requestID, resp.StatusCode, n, started, streamErr)
		},
	}

	if method == http.MethodHead || !bodyAllowed(resp.StatusCode) {
		if resp.ContentLength >= 0 {
			c.Response().Header.SetContentLength(int(resp.ContentLength))
		}
		return stream.Close()
	}

	return c.SendStream(stream, int(resp.ContentLength))
}

// requestBody 返回客户端请求体的流，未知长度返回 -1，由 Transport 使用 chunked 编码。
func requestBody(c fiber.Ctx) (io.Reader, int64) {
	length := int64(c.Request().Header.ContentLength())
	if length == 0 {
		return http.NoBody, 0
	}
	if length < 0 {
		length = -1
	}
	if stream := c.Request().BodyStream(); stream != nil {
		return stream, length
	}
	body := c.Request().Body()
	if len(body) == 0 {
		return http.NoBody, 0
	}
	return bytes.NewReader(body), int64(len(body))
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func (f *Forwarder) badGateway(c fiber.Ctx) error {
	return c.Status(fiber.StatusBadGateway).SendString(badGatewayBody)
}

func (f *Forwarder) fields(method, path, upstream, requestID string, started time.Time) logrus.Fields {
	fields := logrus.Fields{
		"action":     "proxy",
		"method":     method,
		"path":       path,
		"upstream":   upstream,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func (f *Forwarder) logFailure(method, path, upstream, requestID string, started time.Time, err error) {
	fields := f.fields(method, path, upstream, requestID, started)
	fields["error"] = err.Error()
	f.logger.WithFields(fields).Error("proxy_failed")
}

// logResult 在响应体写完（或失败）时输出访问日志，耗时包含整个流式传输。
func (f *Forwarder) logResult(method, path, upstream, requestID string, status int, written int64, started time.Time, err error) {
	elapsed := time.Since(started).Milliseconds()
	fields := logging.RequestFields(method, path, requestID, status, elapsed)
	fields["upstream"] = upstream
	fields["bytes"] = written
	if err != nil {
		fields["action"] = "proxy"
		fields["error"] = err.Error()
		f.logger.WithFields(fields).Error("proxy_stream_failed")
		return
	}
	f.logger.WithFields(fields).Infof("%s %s -> %d %dms", method, path, status, elapsed)
}

// drainSignal 在请求体读到结尾（或出错）时关闭 done，之后客户端连接上不再有属于本请求的数据。
type drainSignal struct {
	io.Reader
	done chan struct{}
	once sync.Once
}

func (d *drainSignal) Read(p []byte) (int, error) {
	n, err := d.Reader.Read(p)
	if err != nil {
		d.once.Do(func() { close(d.done) })
	}
	return n, err
}

// upstreamBody 包装上游响应体。fasthttp 在写完或写失败（客户端断开）后调用 Close，
// 此时关闭上游连接并取消上游请求的 context。
type upstreamBody struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	done    func(written int64, err error)
	read    int64
	readErr error
	once    sync.Once
}

func (b *upstreamBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.read += int64(n)
	if err != nil && !errors.Is(err, io.EOF) && b.readErr == nil {
		b.readErr = err
	}
	return n, err
}

func (b *upstreamBody) Close() error {
	var err error
	b.once.Do(func() {
		err = b.body.Close()
		b.cancel()
		if b.done != nil {
			b.done(b.read, b.readErr)
		}
	})
	return err
}
