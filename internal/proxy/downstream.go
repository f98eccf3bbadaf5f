package proxy

import (
	"context"
	"net"
	"time"
)

var aLongTimeAgo = time.Unix(1, 0)

// watchDownstream cancels the upstream request when the client closes its
// connection while the upstream response headers are still pending. Watching
// starts only after bodyDone is closed, so no request bytes remain on the
// connection. The returned stop func must be called once Do returns; it leaves
// the connection's read deadline cleared.
func watchDownstream(conn net.Conn, bodyDone <-chan struct{}, cancel context.CancelFunc) (stop func()) {
	if conn == nil || !canPeek(conn) {
		return func() {}
	}

	quit := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-bodyDone:
		case <-quit:
			return
		}
		if peerClosed(conn) {
			cancel()
		}
	}()

	return func() {
		close(quit)
		_ = conn.SetReadDeadline(aLongTimeAgo)
		<-exited
		_ = conn.SetReadDeadline(time.Time{})
	}
}

// rawNetConn 去掉 TLS 包装，返回底层连接。
func rawNetConn(conn net.Conn) net.Conn {
	if inner, ok := conn.(interface{ NetConn() net.Conn }); ok {
		return inner.NetConn()
	}
	return conn
}
