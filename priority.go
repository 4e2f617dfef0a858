package slsrecv

import (
	"runtime"
	"sync"
)

// Real-time priorities of the receiver's goroutines. Higher runs first.
const (
	listenerPriority = 99
	writerPriority   = 90
	controlPriority  = 50
)

var priorityWarning sync.Once

// prioritize locks the calling goroutine to its OS thread and asks for
// real-time scheduling. Without the privilege it warns once and carries on
// at normal priority. The goroutine stays locked for the rest of its life.
func prioritize(role string, priority int) {
	runtime.LockOSThread()
	if err := setThreadPriority(priority); err != nil {
		priorityWarning.Do(func() {
			ProblemLogger.Printf("WARNING: could not prioritize %s thread %d: %v. You need to be super user for that.",
				role, threadID(), err)
		})
	}
}
