package slsrecv

import (
	"context"
	"fmt"

	"github.com/usnistgov/slsrecv/packets"
	"github.com/usnistgov/slsrecv/ringbuffer"
)

type command int

const (
	cmdCreateFile command = iota
	cmdCloseFile
	cmdRun
	cmdShutdown
)

// request is a command for a long-lived goroutine. Commands with a reply
// channel get exactly one error (possibly nil) back on it.
type request struct {
	cmd   command
	reply chan error
}

// runListener is the body of the listening goroutine. It parks on its mailbox
// between acquisitions.
func (r *Receiver) runListener(mailbox <-chan request, exited chan<- struct{}) {
	defer close(exited)
	prioritized := false
	for req := range mailbox {
		switch req.cmd {
		case cmdRun:
			if r.realtime && !prioritized {
				prioritize("listening", listenerPriority)
				prioritized = true
			}
			r.listen()
		case cmdShutdown:
			return
		}
	}
}

// listen fills slots from the socket until a short read, then pushes the
// end-of-acquisition markers.
func (r *Receiver) listen() {
	g := r.geom
	pool := r.pool
	fa := r.assembler
	sock := r.socket
	nwriters := len(r.writers)
	ctx := context.Background()
	fa.Reset()

	for {
		slot, err := pool.PopFree(ctx)
		if err != nil {
			ProblemLogger.Printf("Listener could not get a free slot: %v", err)
			r.failAcquisition(err)
			r.pushSentinels(pool, nwriters)
			return
		}
		data := slot.Data()[:fa.NominalBytes()]
		readInto := fa.Prepare(data)
		carried := len(data) - len(readInto)
		rc, rerr := sock.Receive(readInto)
		received := carried + rc
		if rc > 0 {
			r.noteFirstPacket(g, data)
		}

		if rc < len(readInto) || rerr != nil {
			r.finishListening(pool, slot, received, rerr)
			r.pushSentinels(pool, nwriters)
			return
		}

		count := fa.Complete(data, received)
		r.pushData(pool, slot, count)
	}
}

// noteFirstPacket records the starting frame indices on the first packet of a
// measurement, and of an acquisition.
func (r *Receiver) noteFirstPacket(g packets.FrameGeometry, data []byte) {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	st := &r.state
	if st.measurementStarted {
		return
	}
	p, err := packets.At(g, data, 0)
	if err != nil {
		return
	}
	first := uint64(packets.FrameIndex(g, p))
	st.startFrameIndex = first
	st.prevFrameIndex = first
	st.measurementStarted = true
	UpdateLogger.Printf("startFrameIndex: %d", first)
	if !st.acquisitionStarted {
		st.startAcquisitionIndex = first
		st.currentFrameIndex = first
		st.acquisitionStarted = true
		UpdateLogger.Printf("startAcquisitionIndex: %d", first)
	}
}

func (r *Receiver) pushData(pool *ringbuffer.SlotPool, slot *ringbuffer.Slot, count int) {
	if err := slot.SetCount(count); err != nil {
		ProblemLogger.Printf("Listener: %v", err)
		count = 0
		slot.SetCount(0)
	}
	r.stateLock.Lock()
	r.state.totalListened += uint64(count)
	r.stateLock.Unlock()
	if err := pool.PushReady(slot); err != nil {
		ProblemLogger.Printf("Listener could not push slot %d: %v", slot.ID(), err)
	}
}

// finishListening handles the short read that ends every acquisition. Unless
// a stop was requested, the short read is an error.
func (r *Receiver) finishListening(pool *ringbuffer.SlotPool, slot *ringbuffer.Slot, received int, rerr error) {
	if !r.stopRequested.Load() {
		r.failAcquisition(fmt.Errorf("%w: %v", ErrUnexpectedShortRead, rerr))
	}
	if count := r.assembler.Partial(received); count > 0 {
		r.pushData(pool, slot, count)
	} else if err := pool.PushFree(slot); err != nil {
		ProblemLogger.Printf("Listener could not return slot %d: %v", slot.ID(), err)
	}
}

// pushSentinels hands one end-of-acquisition marker to each writer.
func (r *Receiver) pushSentinels(pool *ringbuffer.SlotPool, nwriters int) {
	ctx := context.Background()
	for i := 0; i < nwriters; i++ {
		s, err := pool.PopFree(ctx)
		if err != nil {
			ProblemLogger.Printf("Listener could not get a slot for the end marker: %v", err)
			continue
		}
		s.MarkSentinel()
		pool.PushReady(s)
	}

	r.stateLock.Lock()
	listened := r.state.totalListened
	r.state.listening = false
	r.stateLock.Unlock()
	UpdateLogger.Printf("Total count listened to %d frames", listened/uint64(r.geom.PacketsPerFrame()))
}

// failAcquisition moves the receiver to Error status and logs why.
func (r *Receiver) failAcquisition(err error) {
	r.stateLock.Lock()
	r.state.status = Error
	r.lastError = err
	r.stateLock.Unlock()
	ProblemLogger.Printf("Acquisition %s failed: %v", r.acqID, err)
}
