//go:build !unix

package core

import "syscall"

func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
