//go:build windows

package listener

import (
	"os"

	"golang.org/x/sys/windows"
)

func addrInUseErr() error {
	return os.NewSyscallError("bind", windows.WSAEADDRINUSE)
}
