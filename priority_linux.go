//go:build linux

package slsrecv

import (
	"golang.org/x/sys/unix"
)

// schedRR is SCHED_RR from <sched.h>.
const schedRR = 2

// setThreadPriority puts the calling OS thread under round-robin real-time
// scheduling at the given priority.
func setThreadPriority(priority int) error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   schedRR,
		Priority: uint32(priority),
	}
	return unix.SchedSetAttr(0, &attr, 0)
}

func threadID() int {
	return unix.Gettid()
}
