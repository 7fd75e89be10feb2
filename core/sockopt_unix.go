//go:build unix

package core

import (
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// reuseControl marks the listening socket SO_REUSEADDR and SO_REUSEPORT
func reuseControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = multierr.Append(
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1),
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1),
		)
	})
	return multierr.Append(err, opErr)
}
