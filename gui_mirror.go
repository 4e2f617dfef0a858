package slsrecv

import (
	"context"
	"sync"
	"time"
)

// GuiSample is one frame copied out for the live display.
type GuiSample struct {
	Data       []byte
	FileName   string
	FrameIndex uint64
	Sequence   uint64
}

// GuiMirror is a single-slot mailbox holding the latest frame for the live
// display. It has two policies:
//
//   - every Nth frame (nth > 0): every Nth offered frame is copied, and the
//     writer offering it waits until the reader has taken the previous sample.
//   - best effort (nth == 0): a frame is copied only if the previous sample
//     was taken and at least the streaming timer has passed. Offer never waits.
type GuiMirror struct {
	sync.Mutex
	cond *sync.Cond

	buf        []byte
	size       int
	fileName   string
	frameIndex uint64
	ready      bool
	released   bool
	seq        uint64

	nth      int
	timer    time.Duration
	lastCopy time.Time
	frames   uint64

	offered uint64
	copied  uint64
	dropped uint64
}

// NewGuiMirror returns a mirror for frames of frameBytes bytes, in best-effort mode.
func NewGuiMirror(frameBytes int) *GuiMirror {
	m := &GuiMirror{buf: make([]byte, frameBytes)}
	m.cond = sync.NewCond(&m.Mutex)
	return m
}

// Configure sets the policy and frame size, clears any unread sample, and
// re-arms the mirror after a Release. Call it at the start of each acquisition.
func (m *GuiMirror) Configure(nth int, timer time.Duration, frameBytes int) {
	m.Lock()
	defer m.Unlock()
	if frameBytes > cap(m.buf) {
		m.buf = make([]byte, frameBytes)
	}
	m.buf = m.buf[:frameBytes]
	m.nth = nth
	m.timer = timer
	m.ready = false
	m.released = false
	m.frames = 0
	m.lastCopy = time.Time{}
	m.offered, m.copied, m.dropped = 0, 0, 0
	m.cond.Broadcast()
}

// Offer presents frame, the first of nframes consecutive frames, to the
// mirror. It reports whether the frame was copied.
func (m *GuiMirror) Offer(frame []byte, frameIndex uint64, fileName string, nframes int) bool {
	if nframes < 1 {
		nframes = 1
	}
	m.Lock()
	defer m.Unlock()
	first := m.frames
	m.frames += uint64(nframes)
	m.offered++

	if m.nth > 0 {
		n := uint64(m.nth)
		// Skip unless a multiple of n lies among this call's frames.
		if (first+n-1)/n*n >= first+uint64(nframes) {
			return false
		}
		for m.ready && !m.released {
			m.cond.Wait()
		}
		if m.released {
			m.dropped++
			return false
		}
	} else if m.ready || m.released || time.Since(m.lastCopy) < m.timer {
		m.dropped++
		return false
	}

	m.size = copy(m.buf, frame)
	m.fileName = fileName
	m.frameIndex = frameIndex
	m.ready = true
	m.seq++
	m.copied++
	m.lastCopy = time.Now()
	m.cond.Broadcast()
	return true
}

func (m *GuiMirror) take() GuiSample {
	s := GuiSample{
		Data:       append([]byte(nil), m.buf[:m.size]...),
		FileName:   m.fileName,
		FrameIndex: m.frameIndex,
		Sequence:   m.seq,
	}
	m.ready = false
	m.cond.Broadcast()
	return s
}

// Read waits for a sample, takes it, and wakes any writer waiting to offer
// the next one.
func (m *GuiMirror) Read(ctx context.Context) (GuiSample, error) {
	stop := context.AfterFunc(ctx, func() {
		m.Lock()
		m.cond.Broadcast()
		m.Unlock()
	})
	defer stop()

	m.Lock()
	defer m.Unlock()
	for !m.ready {
		if err := ctx.Err(); err != nil {
			return GuiSample{}, err
		}
		m.cond.Wait()
	}
	return m.take(), nil
}

// TryRead takes the sample if one is ready, without waiting.
func (m *GuiMirror) TryRead() (GuiSample, bool) {
	m.Lock()
	defer m.Unlock()
	if !m.ready {
		return GuiSample{}, false
	}
	return m.take(), true
}

// Release wakes and turns away every waiting writer until the next Configure.
func (m *GuiMirror) Release() {
	m.Lock()
	defer m.Unlock()
	m.released = true
	m.cond.Broadcast()
}

// Stats returns the number of Offer calls, samples copied, and samples dropped.
func (m *GuiMirror) Stats() (offered, copied, dropped uint64) {
	m.Lock()
	defer m.Unlock()
	return m.offered, m.copied, m.dropped
}
