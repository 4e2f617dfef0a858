// Package unboundedchan provides a queue that never blocks its sender. Data
// enter and leave through channels.
package unboundedchan

import "sync/atomic"

// UnboundedChannel is a FIFO queue between an input and an output channel.
// When a merge function is given, a new item may replace the newest queued
// item instead of being appended, so a slow reader sees only the latest of a
// run of superseded values.
type UnboundedChannel[T any] struct {
	in     chan T
	out    chan T
	queue  []T
	merge  func(queued, incoming T) bool
	queued atomic.Int64
	merged atomic.Int64
}

// NewUnboundedChannel creates an UnboundedChannel that keeps every item.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	return NewMerging[T](nil)
}

// NewMerging creates an UnboundedChannel in which an incoming item replaces
// the newest queued item whenever merge(queued, incoming) is true.
func NewMerging[T any](merge func(queued, incoming T) bool) *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:    make(chan T),
		out:   make(chan T),
		merge: merge,
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) push(val T) {
	if n := len(uc.queue); n > 0 && uc.merge != nil && uc.merge(uc.queue[n-1], val) {
		uc.queue[n-1] = val
		uc.merged.Add(1)
		return
	}
	uc.queue = append(uc.queue, val)
	uc.queued.Add(1)
}

func (uc *UnboundedChannel[T]) pop() {
	var zero T
	uc.queue[0] = zero
	uc.queue = uc.queue[1:]
	uc.queued.Add(-1)
	if len(uc.queue) == 0 {
		uc.queue = nil
	}
}

func (uc *UnboundedChannel[T]) run() {
	for {
		if len(uc.queue) == 0 {
			val, ok := <-uc.in
			if !ok {
				close(uc.out)
				return
			}
			uc.push(val)
			continue
		}
		select {
		case uc.out <- uc.queue[0]:
			uc.pop()
		case val, ok := <-uc.in:
			if !ok {
				// Input closed: deliver what is queued, then close the output.
				for len(uc.queue) > 0 {
					uc.out <- uc.queue[0]
					uc.pop()
				}
				close(uc.out)
				return
			}
			uc.push(val)
		}
	}
}

// In returns the input channel. Close it to drain and close Out.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel.
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Len returns the number of items waiting in the queue.
func (uc *UnboundedChannel[T]) Len() int {
	return int(uc.queued.Load())
}

// Merged returns how many items were replaced by newer ones.
func (uc *UnboundedChannel[T]) Merged() int {
	return int(uc.merged.Load())
}
