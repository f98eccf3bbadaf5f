//go:build !unix && !windows

package listener

import "errors"

func addrInUseErr() error {
	return errors.New("bind: address already in use")
}
