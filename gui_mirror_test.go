package slsrecv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGuiEveryNth checks that with N=5 exactly every 5th frame is copied, and
// that the producer waits for a slow consumer to take the previous sample.
func TestGuiEveryNth(t *testing.T) {
	const delay = 30 * time.Millisecond
	m := NewGuiMirror(4)
	m.Configure(5, 0, 4)

	var seen []uint64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 4 {
			time.Sleep(delay)
			s, err := m.Read(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			seen = append(seen, s.FrameIndex)
		}
	}()

	latency := make([]time.Duration, 20)
	for i := range 20 {
		frame := []byte{byte(i), 0, 0, 0}
		start := time.Now()
		copied := m.Offer(frame, uint64(i), "run_0.raw", 1)
		latency[i] = time.Since(start)
		if copied != (i%5 == 0) {
			t.Errorf("Offer(frame %d) copied=%v, want %v", i, copied, i%5 == 0)
		}
	}
	wg.Wait()
	assert.Equal(t, []uint64{0, 5, 10, 15}, seen)
	for _, i := range []int{5, 10, 15} {
		if latency[i] < delay/2 {
			t.Errorf("Offer(frame %d) took %v, expected it to wait for the consumer", i, latency[i])
		}
	}
	for _, i := range []int{1, 2, 3, 4} {
		if latency[i] > delay/2 {
			t.Errorf("Offer(frame %d) took %v, expected no wait for skipped frames", i, latency[i])
		}
	}
	offered, copied, dropped := m.Stats()
	assert.Equal(t, uint64(20), offered)
	assert.Equal(t, uint64(4), copied)
	assert.Equal(t, uint64(0), dropped)
}

// A slot of several frames is offered once; it is copied if any of its
// frames is a multiple of N.
func TestGuiEveryNthMultiFrame(t *testing.T) {
	m := NewGuiMirror(4)
	m.Configure(5, 0, 4)
	frame := make([]byte, 4)
	assert.True(t, m.Offer(frame, 0, "", 3)) // frames 0-2
	_, ok := m.TryRead()
	require.True(t, ok)
	assert.True(t, m.Offer(frame, 3, "", 3)) // frames 3-5
	m.TryRead()
	assert.False(t, m.Offer(frame, 6, "", 3)) // frames 6-8
	assert.True(t, m.Offer(frame, 9, "", 3))  // frames 9-11
}

func TestGuiBestEffort(t *testing.T) {
	m := NewGuiMirror(4)
	m.Configure(0, 0, 4)
	assert.True(t, m.Offer([]byte{1, 2, 3, 4}, 1, "a", 1))
	assert.False(t, m.Offer([]byte{5, 6, 7, 8}, 2, "a", 1), "unread sample should cause a drop")
	s, ok := m.TryRead()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, s.Data)
	assert.Equal(t, "a", s.FileName)
	assert.Equal(t, uint64(1), s.Sequence)
	_, ok = m.TryRead()
	assert.False(t, ok)
	assert.True(t, m.Offer([]byte{9, 9, 9}, 3, "b", 1))
	s, _ = m.TryRead()
	assert.Equal(t, []byte{9, 9, 9}, s.Data, "short frames copy only their bytes")

	m.Configure(0, time.Hour, 4)
	assert.True(t, m.Offer([]byte{1, 1, 1, 1}, 4, "c", 1))
	m.TryRead()
	assert.False(t, m.Offer([]byte{2, 2, 2, 2}, 5, "c", 1), "streaming timer has not elapsed")
	_, _, dropped := m.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestGuiRelease(t *testing.T) {
	m := NewGuiMirror(4)
	m.Configure(1, 0, 4)
	require.True(t, m.Offer(make([]byte, 4), 0, "", 1))

	result := make(chan bool)
	go func() { result <- m.Offer(make([]byte, 4), 1, "", 1) }()
	select {
	case <-result:
		t.Fatal("Offer should wait while the previous sample is unread")
	case <-time.After(20 * time.Millisecond):
	}
	m.Release()
	select {
	case copied := <-result:
		assert.False(t, copied)
	case <-time.After(time.Second):
		t.Fatal("Release did not wake the waiting Offer")
	}
	assert.False(t, m.Offer(make([]byte, 4), 2, "", 1), "a released mirror turns writers away")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	m.Configure(1, 0, 4)
	_, err := m.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
