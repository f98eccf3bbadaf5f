package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRewritePath(t *testing.T) {
	cases := []struct {
		prefix string
		raw    string
		want   string
	}{
		{"/api", "/api/widgets?id=5", "/widgets?id=5"},
		{"/api", "/api", "/"},
		{"/api", "/api?x=1", "/?x=1"},
		{"/api", "/api/", "/"},
		{"/api", "/api/a%20b?q=%2F&x", "/a%20b?q=%2F&x"},
		{"/api", "/apiary", "/ary"},
		{"", "/users", "/users"},
		{"/api", "/api/search?", "/search?"},
	}
	for _, tc := range cases {
		if got := RewritePath(tc.prefix, tc.raw); got != tc.want {
			t.Fatalf("RewritePath(%q, %q) = %q, want %q", tc.prefix, tc.raw, got, tc.want)
		}
	}
}

func TestMatchesIsLiteralAndCaseSensitive(t *testing.T) {
	fwd, err := NewForwarder(Options{Prefix: "/api", Target: "http://localhost:8080"})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}
	if !fwd.Matches("/api/x") || !fwd.Matches("/api") {
		t.Fatalf("expected /api paths to match")
	}
	if fwd.Matches("/API/x") || fwd.Matches("/static/api") {
		t.Fatalf("prefix match must be literal and case-sensitive")
	}
}

func TestNewForwarderDefaultPorts(t *testing.T) {
	cases := map[string]string{
		"http://up.example":         "up.example:80",
		"https://secure.example":    "secure.example:443",
		"http://up.example:9000":    "up.example:9000",
		"https://secure.example:80": "secure.example:80",
	}
	for target, want := range cases {
		fwd, err := NewForwarder(Options{Prefix: "/api", Target: target})
		if err != nil {
			t.Fatalf("NewForwarder(%s) failed: %v", target, err)
		}
		if fwd.authority != want {
			t.Fatalf("target %s: expected authority %s, got %s", target, want, fwd.authority)
		}
	}
}

func TestNewForwarderRejectsBadTarget(t *testing.T) {
	for _, target := range []string{"", "ftp://files.example", "http://"} {
		if _, err := NewForwarder(Options{Prefix: "/api", Target: target}); err == nil {
			t.Fatalf("expected error for target %q", target)
		}
	}
}

type upstreamRecord struct {
	mu      sync.Mutex
	method  string
	uri     string
	host    string
	headers http.Header
	body    string
	dialed  []string
}

// newRoutedUpstream 启动一个本地上游，并返回把任意地址都拨到该上游的 client，
// 这样可以使用 up.example:9000 之类的虚拟目标验证 Host 与端口。
func newRoutedUpstream(t *testing.T, handler http.HandlerFunc) (*upstreamRecord, *http.Client) {
	t.Helper()
	rec := &upstreamRecord{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.method = r.Method
		rec.uri = r.RequestURI
		rec.host = r.Host
		rec.headers = r.Header.Clone()
		rec.body = string(body)
		rec.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	upstreamAddr := srv.Listener.Addr().String()
	transport := defaultTransport.Clone()
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		rec.mu.Lock()
		rec.dialed = append(rec.dialed, addr)
		rec.mu.Unlock()
		var d net.Dialer
		return d.DialContext(ctx, network, upstreamAddr)
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return rec, client
}

func newForwardingApp(t *testing.T, fwd *Forwarder) *fiber.App {
	t.Helper()
	app := fiber.New(fiber.Config{StreamRequestBody: true})
	app.Use(fwd.Handle)
	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusTeapot).SendString("next")
	})
	return app
}

func TestForwarderRelaysRequest(t *testing.T) {
	rec, client := newRoutedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	fwd, err := NewForwarder(Options{Prefix: "/api", Target: "http://up.example:9000", Client: client})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}
	app := newForwardingApp(t, fwd)

	req := httptest.NewRequest(http.MethodPost, "/api/widgets?id=5", strings.NewReader("payload"))
	req.Header.Set("X-Custom", "abc")
	req.Header.Set("Content-Type", "text/plain")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", resp.StatusCode, body)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %s", body)
	}
	if resp.Header.Get("X-Upstream") != "yes" || resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("upstream headers not relayed: %v", resp.Header)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.method != http.MethodPost {
		t.Fatalf("method not preserved: %s", rec.method)
	}
	if rec.uri != "/widgets?id=5" {
		t.Fatalf("expected /widgets?id=5 upstream, got %s", rec.uri)
	}
	if rec.host != "up.example:9000" {
		t.Fatalf("expected Host up.example:9000, got %s", rec.host)
	}
	if rec.headers.Get("X-Custom") != "abc" {
		t.Fatalf("request headers not forwarded: %v", rec.headers)
	}
	if rec.body != "payload" {
		t.Fatalf("request body not forwarded: %q", rec.body)
	}
	if len(rec.dialed) == 0 || rec.dialed[0] != "up.example:9000" {
		t.Fatalf("expected dial to up.example:9000, got %v", rec.dialed)
	}
}

func TestForwarderPrefixOnlyBecomesRoot(t *testing.T) {
	rec, client := newRoutedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	fwd, err := NewForwarder(Options{Prefix: "/api", Target: "http://up.example", Client: client})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}
	app := newForwardingApp(t, fwd)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	resp.Body.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.uri != "/" {
		t.Fatalf("expected upstream path /, got %s", rec.uri)
	}
	if rec.host != "up.example" {
		t.Fatalf("Host should omit the implicit port, got %s", rec.host)
	}
	if len(rec.dialed) == 0 || rec.dialed[0] != "up.example:80" {
		t.Fatalf("expected default port 80, got %v", rec.dialed)
	}
}

func TestForwarderPassesThroughNonMatching(t *testing.T) {
	rec, client := newRoutedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	fwd, err := NewForwarder(Options{Prefix: "/api", Target: "http://up.example", Client: client})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}
	app := newForwardingApp(t, fwd)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/static/app.js?api=1", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != fiber.StatusTeapot || string(body) != "next" {
		t.Fatalf("expected next stage to run, got %d %s", resp.StatusCode, body)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.dialed) != 0 {
		t.Fatalf("upstream must not be contacted, dialed %v", rec.dialed)
	}
}

func TestForwarderBadGatewayWhenUpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	fwd, err := NewForwarder(Options{Prefix: "/api", Target: "http://" + deadAddr, Logger: logger})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}
	app := newForwardingApp(t, fwd)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/widgets", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if string(body) != "Bad Gateway" {
		t.Fatalf("expected Bad Gateway body, got %q", body)
	}
	if !strings.Contains(logBuf.String(), "proxy_failed") {
		t.Fatalf("upstream failure should be logged, got %s", logBuf.String())
	}
}

func TestForwarderRelaysErrorStatusAndRedirects(t *testing.T) {
	_, client := newRoutedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			w.Header().Set("Location", "/elsewhere")
			w.WriteHeader(http.StatusFound)
			return
		}
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "missing upstream")
	})
	fwd, err := NewForwarder(Options{Prefix: "/api", Target: "http://up.example", Client: client})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}
	app := newForwardingApp(t, fwd)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/thing", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || string(body) != "missing upstream" {
		t.Fatalf("expected relayed 404, got %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Values("X-Multi"); len(got) != 2 {
		t.Fatalf("expected both X-Multi values, got %v", got)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/moved", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/elsewhere" {
		t.Fatalf("redirect should be relayed, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestForwarderStreamsChunkedResponse(t *testing.T) {
	_, client := newRoutedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "chunk-%d;", i)
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
	fwd, err := NewForwarder(Options{Prefix: "/api", Target: "http://up.example", Client: client})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}
	app := newForwardingApp(t, fwd)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/stream", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "chunk-0;chunk-1;chunk-2;chunk-3;chunk-4;" {
		t.Fatalf("unexpected streamed body %q", body)
	}
}

func TestForwarderConcurrentRequestsStayIsolated(t *testing.T) {
	_, client := newRoutedUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.Copy(w, r.Body)
	})
	fwd, err := NewForwarder(Options{Prefix: "/api", Target: "http://up.example", Client: client})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}
	app := newForwardingApp(t, fwd)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte(fmt.Sprintf("worker-%02d|", id)), 1024)
			req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/echo/%d", id), bytes.NewReader(payload))
			resp, err := app.Test(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			got, err := io.ReadAll(resp.Body)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, payload) {
				errs <- fmt.Errorf("worker %d received %d bytes of foreign or truncated data", id, len(got))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestUpstreamBodyCloseCancelsRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := &trackingBody{Reader: strings.NewReader("data")}
	var doneCalls int
	var doneErr error

	body := &upstreamBody{
		body:   inner,
		cancel: cancel,
		done: func(_ int64, err error) {
			doneCalls++
			doneErr = err
		},
	}
	_ = body.Close()
	_ = body.Close()

	if !inner.closed {
		t.Fatalf("upstream body should be closed")
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("upstream context should be canceled, got %v", ctx.Err())
	}
	if doneCalls != 1 || doneErr != nil {
		t.Fatalf("done should run once without error, calls=%d err=%v", doneCalls, doneErr)
	}
}

func TestUpstreamBodyRecordsReadFailure(t *testing.T) {
	reset := errors.New("connection reset by peer")
	var recorded error
	body := &upstreamBody{
		body:   &trackingBody{Reader: io.MultiReader(strings.NewReader("par"), &failingReader{err: reset})},
		cancel: func() {},
		done: func(_ int64, err error) {
			recorded = err
		},
	}
	if _, err := io.ReadAll(body); !errors.Is(err, reset) {
		t.Fatalf("expected read failure, got %v", err)
	}
	_ = body.Close()
	if !errors.Is(recorded, reset) {
		t.Fatalf("mid-stream failure should be reported, got %v", recorded)
	}
	if body.read != 3 {
		t.Fatalf("expected 3 bytes read, got %d", body.read)
	}
}

type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, r.err
}
