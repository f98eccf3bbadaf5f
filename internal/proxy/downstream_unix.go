//go:build unix

package proxy

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func canPeek(conn net.Conn) bool {
	_, ok := rawNetConn(conn).(syscall.Conn)
	return ok
}

// peerClosed blocks until the connection becomes readable or its read deadline
// fires. It peeks with MSG_PEEK so fasthttp still sees every byte. EOF or a
// reset means the client is gone; pending data (a pipelined request or a TLS
// alert) is treated as alive.
func peerClosed(conn net.Conn) bool {
	sc, ok := rawNetConn(conn).(syscall.Conn)
	if !ok {
		return false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	closed := false
	buf := make([]byte, 1)
	err = raw.Read(func(fd uintptr) bool {
		for {
			n, _, rerr := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
			switch {
			case errors.Is(rerr, unix.EINTR):
				continue
			case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK):
				return false
			case rerr != nil:
				closed = true
			case n == 0:
				closed = true
			}
			return true
		}
	})
	return err == nil && closed
}
