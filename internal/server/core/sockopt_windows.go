//go:build windows

package core

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// controlUDP lets several discovery sockets share a port and allows
// sending to the broadcast address.
func controlUDP(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		h := windows.Handle(fd)
		if opErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); opErr != nil {
			return
		}
		opErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
