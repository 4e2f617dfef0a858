//go:build !linux

package slsrecv

import (
	"fmt"
	"syscall"
)

func socketControl(iface string, rcvbuf int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if iface != "" {
			return fmt.Errorf("binding to interface %s is only supported on linux", iface)
		}
		return nil
	}
}
