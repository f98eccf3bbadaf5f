//go:build unix

package listener

import (
	"os"

	"golang.org/x/sys/unix"
)

func addrInUseErr() error {
	return os.NewSyscallError("bind", unix.EADDRINUSE)
}
