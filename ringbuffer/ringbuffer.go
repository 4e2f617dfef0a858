// Package ringbuffer provides the pre-allocated slot pool that carries packet
// data from the listening goroutine to the writers.
//
// A pool owns a fixed set of Slots and two bounded FIFO queues: free slots
// ready to be filled and ready slots waiting to be drained. Each slot is at
// all times in exactly one of {free queue, ready queue, held by a goroutine}.
package ringbuffer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// HeaderSize is the size of the packet-count tag at the start of every slot.
const HeaderSize = 2

// SentinelCount is the reserved tag meaning "no more data this acquisition".
const SentinelCount uint16 = 0xFFFF

// MaxCount is the largest packet count a slot can carry.
const MaxCount = int(SentinelCount) - 1

// ErrAllocation means the pool's memory could not be allocated.
var ErrAllocation = errors.New("could not allocate slot pool memory")

// ErrWrongOwner means a slot was pushed by something that did not hold it.
var ErrWrongOwner = errors.New("slot pushed while not held")

const (
	inFree int32 = iota
	inReady
	held
)

// Slot is one reusable buffer plus its packet-count tag.
type Slot struct {
	id    int
	buf   []byte
	where atomic.Int32
}

// ID returns the slot's index within its pool.
func (s *Slot) ID() int { return s.id }

// Count returns the packet count in the slot's tag.
func (s *Slot) Count() uint16 {
	return binary.LittleEndian.Uint16(s.buf)
}

// SetCount tags the slot with the number of valid packets it holds.
func (s *Slot) SetCount(n int) error {
	if n < 0 || n > MaxCount {
		return fmt.Errorf("packet count %d outside [0, %d]", n, MaxCount)
	}
	binary.LittleEndian.PutUint16(s.buf, uint16(n))
	return nil
}

// MarkSentinel tags the slot as an end-of-acquisition marker.
func (s *Slot) MarkSentinel() {
	binary.LittleEndian.PutUint16(s.buf, SentinelCount)
}

// IsSentinel reports whether the slot is an end-of-acquisition marker.
func (s *Slot) IsSentinel() bool {
	return s.Count() == SentinelCount
}

// Data returns the payload region following the tag.
func (s *Slot) Data() []byte {
	return s.buf[HeaderSize:]
}

// Bytes returns the whole slot, tag included.
func (s *Slot) Bytes() []byte {
	return s.buf
}

// SlotPool is the pair of bounded queues plus the slots they circulate.
type SlotPool struct {
	slots    []*Slot
	free     chan *Slot
	ready    chan *Slot
	dataSize int
	nheld    atomic.Int64
}

// NewSlotPool allocates nslots slots, each with room for dataSize payload bytes,
// and places them all in the free queue.
func NewSlotPool(nslots, dataSize int) (pool *SlotPool, err error) {
	if nslots <= 0 {
		return nil, fmt.Errorf("slot pool needs at least 1 slot, have %d", nslots)
	}
	if dataSize <= 0 {
		return nil, fmt.Errorf("slot data size must be positive, have %d", dataSize)
	}
	defer func() {
		if r := recover(); r != nil {
			pool = nil
			err = fmt.Errorf("%w: %d slots of %d bytes: %v", ErrAllocation, nslots, dataSize+HeaderSize, r)
		}
	}()

	pool = &SlotPool{
		slots:    make([]*Slot, nslots),
		free:     make(chan *Slot, nslots),
		ready:    make(chan *Slot, nslots),
		dataSize: dataSize,
	}
	// One backing array keeps the pool contiguous, like a ring.
	backing := make([]byte, nslots*(dataSize+HeaderSize))
	for i := range pool.slots {
		lo := i * (dataSize + HeaderSize)
		s := &Slot{id: i, buf: backing[lo : lo+dataSize+HeaderSize : lo+dataSize+HeaderSize]}
		s.where.Store(inFree)
		pool.slots[i] = s
		pool.free <- s
	}
	return pool, nil
}

// Capacity returns the total number of slots.
func (p *SlotPool) Capacity() int { return len(p.slots) }

// DataSize returns the payload size of each slot.
func (p *SlotPool) DataSize() int { return p.dataSize }

// Free returns the number of slots in the free queue.
func (p *SlotPool) Free() int { return len(p.free) }

// Ready returns the number of slots in the ready queue.
func (p *SlotPool) Ready() int { return len(p.ready) }

// InFlight returns the number of slots currently held outside both queues.
func (p *SlotPool) InFlight() int { return int(p.nheld.Load()) }

func (p *SlotPool) pop(ctx context.Context, q chan *Slot, from int32) (*Slot, error) {
	select {
	case s := <-q:
		if !s.where.CompareAndSwap(from, held) {
			return nil, fmt.Errorf("slot %d popped from the wrong queue", s.id)
		}
		p.nheld.Add(1)
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SlotPool) push(s *Slot, q chan *Slot, to int32) error {
	if s == nil {
		return errors.New("cannot push a nil slot")
	}
	if s.id < 0 || s.id >= len(p.slots) || p.slots[s.id] != s {
		return fmt.Errorf("slot %d does not belong to this pool", s.id)
	}
	if !s.where.CompareAndSwap(held, to) {
		return fmt.Errorf("%w: slot %d", ErrWrongOwner, s.id)
	}
	p.nheld.Add(-1)
	// Never blocks: each queue has room for every slot in the pool.
	q <- s
	return nil
}

// PopFree takes an empty slot, blocking until one is available or ctx is done.
func (p *SlotPool) PopFree(ctx context.Context) (*Slot, error) {
	return p.pop(ctx, p.free, inFree)
}

// PushReady hands a filled slot to the writers.
func (p *SlotPool) PushReady(s *Slot) error {
	return p.push(s, p.ready, inReady)
}

// PopReady takes a filled slot, blocking until one is available or ctx is done.
func (p *SlotPool) PopReady(ctx context.Context) (*Slot, error) {
	return p.pop(ctx, p.ready, inReady)
}

// PushFree returns a drained slot to the free queue.
func (p *SlotPool) PushFree(s *Slot) error {
	return p.push(s, p.free, inFree)
}

// Quiescent reports whether every slot is back in the free queue.
func (p *SlotPool) Quiescent() bool {
	return p.Free() == p.Capacity() && p.InFlight() == 0
}

// Reclaim moves every slot waiting in the ready queue back to the free queue.
// It is for discarding leftovers after an aborted acquisition, and returns the
// number of slots reclaimed.
func (p *SlotPool) Reclaim() int {
	n := 0
	for {
		select {
		case s := <-p.ready:
			s.where.Store(inFree)
			p.free <- s
			n++
		default:
			return n
		}
	}
}
