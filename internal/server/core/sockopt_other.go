//go:build !unix && !windows

package core

import "syscall"

func controlUDP(network, address string, c syscall.RawConn) error {
	return nil
}
