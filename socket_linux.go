//go:build linux

package slsrecv

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketControl sets socket options before bind: address reuse, the network
// interface, and the receive buffer. SO_RCVBUFFORCE exceeds rmem_max but
// needs CAP_NET_ADMIN, so plain SO_RCVBUF is the fallback.
func socketControl(iface string, rcvbuf int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
				opErr = fmt.Errorf("setting SO_REUSEADDR: %w", opErr)
				return
			}
			if iface != "" {
				if opErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface); opErr != nil {
					opErr = fmt.Errorf("binding to interface %s: %w", iface, opErr)
					return
				}
			}
			if rcvbuf > 0 {
				if unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, rcvbuf) != nil {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
						ProblemLogger.Printf("Could not set UDP receive buffer to %d bytes: %v", rcvbuf, err)
					}
				}
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
