//go:build !linux

package slsrecv

import "errors"

func setThreadPriority(priority int) error {
	return errors.New("real-time thread priority is only supported on linux")
}

func threadID() int {
	return 0
}
