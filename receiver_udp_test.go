//go:build !race
// +build !race

package slsrecv

// These tests count every packet they send over the loopback interface, so
// they need the receiver to keep up with the sender. Under the race detector
// it does not.

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/slsrecv/clusterfile"
	"github.com/usnistgov/slsrecv/packets"
)

func TestEndToEnd(t *testing.T) {
	r := newTestReceiver(t)
	require.NoError(t, r.SetAcquisitionPeriod(30*time.Millisecond))
	require.Equal(t, 3, r.numJobs)
	assert.Equal(t, Idle, r.Status())

	require.NoError(t, r.StartReceiver())
	assert.Equal(t, Running, r.Status())
	assert.ErrorIs(t, r.SetFileIndex(3), ErrNotIdle)
	assert.ErrorIs(t, r.StartReceiver(), ErrNotIdle)

	g := r.geom
	stream := makeStream(g, 1, 3, nil)
	sendStream(t, r, stream)
	waitFor(t, "3 frames", func() bool { return r.FramesCaught() == 3 })
	require.NoError(t, r.StopReceiver())
	assert.Equal(t, Idle, r.Status())

	p := r.Progress()
	assert.Equal(t, uint64(2), p.FrameIndex)
	assert.Equal(t, uint64(2), p.AcquisitionIndex)
	assert.Equal(t, uint64(3), p.TotalFramesCaught)
	assert.Equal(t, uint64(0), p.MissingPackets)
	assert.Equal(t, 1, p.FilesCreated)

	files := rawFiles(t, r)
	require.Len(t, files, 1)
	assert.Equal(t, "run_f000000000000_0.raw", filepath.Base(files[0]))
	contents, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, stream, contents)

	m, err := ReadMasterFile(masterFileName(r.filePath, "run", 0))
	require.NoError(t, err)
	assert.Equal(t, r.AcquisitionID(), m.AcquisitionID)
	assert.Equal(t, "Gotthard", m.Detector)
	assert.Equal(t, 2, m.PacketsPerFrame)
	assert.Equal(t, 30*time.Millisecond, m.AcquisitionPeriod)

	// A second measurement continues the acquisition count.
	require.NoError(t, r.SetFileIndex(1))
	require.NoError(t, r.StartReceiver())
	assert.Equal(t, uint64(0), r.FramesCaught())
	sendStream(t, r, makeStream(g, 4, 3, nil))
	waitFor(t, "3 more frames", func() bool { return r.FramesCaught() == 3 })
	require.NoError(t, r.StopReceiver())
	assert.Equal(t, uint64(6), r.TotalFramesCaught())
	assert.Equal(t, uint64(2), r.FrameIndex())
	assert.Equal(t, uint64(5), r.AcquisitionIndex())

	require.NoError(t, r.ResetTotalFramesCaught())
	assert.Equal(t, uint64(0), r.TotalFramesCaught())
	assert.Equal(t, uint64(0), r.AcquisitionIndex())
	assert.Equal(t, uint64(0), r.NumMissingPackets())
}

// A frame split between slots: its first packet is carried into the next
// slot, and lost packets show up as missing.
func TestEndToEndSplit(t *testing.T) {
	r := newTestReceiver(t)
	require.NoError(t, r.SetAcquisitionPeriod(30*time.Millisecond))
	require.NoError(t, r.StartReceiver())

	g := r.geom
	// Frame 3 loses its second packet.
	stream := makeStream(g, 1, 4, func(frame uint32, pos int) bool { return frame != 3 || pos == 0 })
	sendStream(t, r, stream)
	waitFor(t, "first slot", func() bool { return r.FramesCaught() >= 2 })
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.StopReceiver())

	assert.Equal(t, uint64(3), r.FramesCaught(), "7 packets of 2-packet frames")
	assert.Equal(t, uint64(1), r.NumMissingPackets())
	files := rawFiles(t, r)
	require.Len(t, files, 1)
	contents, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, stream, contents)
}

// With K packets per file and M*K+r packets, there are M full files and one
// with r packets.
func TestRollover(t *testing.T) {
	const K, M, rest = 4, 3, 2
	r := newTestReceiver(t)
	require.NoError(t, r.SetShortFrame(true))
	require.NoError(t, r.SetFramesPerFile(K))
	require.Equal(t, K, r.maxPacketsPerFile)
	require.NoError(t, r.StartReceiver())

	g := r.geom
	stream := makeStream(g, 1, M*K+rest, nil)
	sendStream(t, r, stream)
	waitFor(t, "all frames", func() bool { return r.FramesCaught() == M*K+rest })
	require.NoError(t, r.StopReceiver())

	files := rawFiles(t, r)
	require.Len(t, files, M+1)
	for i, name := range files {
		wantPackets := K
		if i == M {
			wantPackets = rest
		}
		assert.Equal(t, rawFileName(r.filePath, "run", true, uint64(i*K), 0), name)
		info, err := os.Stat(name)
		require.NoError(t, err)
		assert.Equal(t, int64(wantPackets*g.OnePacketSize()), info.Size(), name)
	}
	assert.Equal(t, M+1, r.Progress().FilesCreated)
}

func TestPaddingAndDiscard(t *testing.T) {
	for _, policy := range []DiscardPolicy{NoDiscard, DiscardPartial} {
		r := newTestReceiver(t)
		require.NoError(t, r.SetFramePaddingEnable(true))
		require.NoError(t, r.SetFrameDiscardPolicy(policy))
		require.NoError(t, r.StartReceiver())

		g := r.geom
		size := g.OnePacketSize()
		stream := makeStream(g, 1, 3, func(frame uint32, pos int) bool { return frame != 2 || pos == 0 })
		sendStream(t, r, stream)
		want := uint64(3)
		if policy == DiscardPartial {
			want = 2
		}
		waitFor(t, "frames", func() bool { return r.FramesCaught() == want })
		require.NoError(t, r.StopReceiver())

		files := rawFiles(t, r)
		require.Len(t, files, 1)
		contents, err := os.ReadFile(files[0])
		require.NoError(t, err)
		if policy == DiscardPartial {
			assert.Equal(t, append(append([]byte{}, stream[:2*size]...), stream[3*size:]...), contents)
			assert.Equal(t, uint64(1), r.Progress().DiscardedFrames)
		} else {
			require.Len(t, contents, 6*size)
			assert.Equal(t, stream[:3*size], contents[:3*size])
			padded := packets.Packet(contents[3*size : 4*size])
			assert.Equal(t, uint32(2), packets.FrameIndex(g, padded))
			assert.Equal(t, byte(0xFF), padded[size-1])
			assert.Equal(t, stream[3*size:], contents[4*size:])
			assert.Equal(t, uint64(1), r.NumMissingPackets(), "padding does not hide lost packets")
		}
	}
}

func TestCallbacks(t *testing.T) {
	r := newTestReceiver(t)
	var mu sync.Mutex
	var gotPath string
	var sizes []int
	finished := uint64(99)
	require.NoError(t, r.RegisterCallbacks(Callbacks{
		StartAcquisition: func(filePath, fileName string, fileIndex, bufferSize int) CallbackAction {
			gotPath = filePath
			return DoNothing
		},
		RawDataReady: func(frameIndex uint64, data []byte, size int, file *os.File, guiData []byte) {
			mu.Lock()
			sizes = append(sizes, size)
			mu.Unlock()
			if file != nil {
				t.Error("no file should be open when callbacks write the data")
			}
		},
		AcquisitionFinished: func(totalFrames uint64) { finished = totalFrames },
	}))
	require.NoError(t, r.StartReceiver())
	assert.Equal(t, r.filePath, gotPath)
	sendStream(t, r, makeStream(r.geom, 1, 5, nil))
	waitFor(t, "5 frames", func() bool { return r.FramesCaught() == 5 })
	require.NoError(t, r.StopReceiver())
	mu.Lock()
	assert.Len(t, sizes, 5)
	mu.Unlock()
	assert.Equal(t, uint64(5), finished)
	assert.Empty(t, rawFiles(t, r))
	_, err := os.Stat(masterFileName(r.filePath, "run", 0))
	assert.True(t, os.IsNotExist(err), "no master file when callbacks take over")
}

func TestDataStream(t *testing.T) {
	r := newTestReceiver(t)
	require.NoError(t, r.SetDataStreamEnable(true))
	require.NoError(t, r.SetStreamingFrequency(1))
	require.NoError(t, r.StartReceiver())

	var seen []uint64
	var files []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 4 {
			s, err := r.Mirror().Read(context.Background())
			if err != nil {
				return
			}
			seen = append(seen, s.FrameIndex)
			files = append(files, s.FileName)
		}
	}()
	sendStream(t, r, makeStream(r.geom, 1, 4, nil))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("display did not receive 4 frames")
	}
	require.NoError(t, r.StopReceiver())
	assert.Equal(t, []uint64{1, 2, 3, 4}, seen)
	for _, f := range files {
		assert.Equal(t, "run_f000000000000_0.raw", filepath.Base(f))
	}
}

// TestSentinelDelivery runs the filtering writer pool and checks that every
// writer sees exactly one end marker per acquisition.
func TestSentinelDelivery(t *testing.T) {
	r := newTestReceiver(t)
	require.NoError(t, r.SetAcquisitionPeriod(30*time.Millisecond))
	require.NoError(t, r.SetDataCompressionEnabled(true))
	require.Len(t, r.writers, MaxWriterThreads)

	for run := 1; run <= 2; run++ {
		require.NoError(t, r.SetFileIndex(run))
		require.NoError(t, r.StartReceiver())
		sendStream(t, r, makeStream(r.geom, uint32(100*run), 30, nil))
		waitFor(t, "30 frames", func() bool { return r.FramesCaught() == 30 })
		require.NoError(t, r.StopReceiver())
		for _, w := range r.writers {
			if w.sentinel != run {
				t.Errorf("run %d: writer %d saw %d end markers, want %d", run, w.index, w.sentinel, run)
			}
		}
		names, err := filepath.Glob(filepath.Join(r.filePath, "*.clz4"))
		require.NoError(t, err)
		assert.Len(t, names, run*MaxWriterThreads)
		assert.True(t, r.pool.Quiescent(), "every slot returns to the free queue")
	}
	assert.Empty(t, rawFiles(t, r))
}

// TestProgressMonotonic watches the progress counters while many writers
// race to update them.
func TestProgressMonotonic(t *testing.T) {
	r := newTestReceiver(t)
	require.NoError(t, r.SetAcquisitionPeriod(50*time.Millisecond))
	require.NoError(t, r.SetDataCompressionEnabled(true))
	require.NoError(t, r.SetFileWriteEnable(false))
	require.NoError(t, r.StartReceiver())

	stop := make(chan struct{})
	watched := make(chan error, 1)
	go func() {
		var lastFrame, lastAcq uint64
		for {
			select {
			case <-stop:
				watched <- nil
				return
			default:
			}
			p := r.Progress()
			if p.FrameIndex < lastFrame || p.AcquisitionIndex < lastAcq {
				watched <- errors.New("progress went backwards")
				return
			}
			lastFrame, lastAcq = p.FrameIndex, p.AcquisitionIndex
		}
	}()
	sendStream(t, r, makeStream(r.geom, 1, 400, nil))
	waitFor(t, "400 frames", func() bool { return r.FramesCaught() == 400 })
	close(stop)
	assert.NoError(t, <-watched)
	require.NoError(t, r.StopReceiver())
	assert.Equal(t, uint64(399), r.FrameIndex())
}

// TestProgressFromLastPacket checks that a slot moves the frame index to the
// frame of its last packet as soon as a writer takes it.
func TestProgressFromLastPacket(t *testing.T) {
	r := newTestReceiver(t)
	require.NoError(t, r.SetAcquisitionPeriod(30*time.Millisecond))
	require.Equal(t, 3, r.numJobs)
	require.NoError(t, r.StartReceiver())

	sendStream(t, r, makeStream(r.geom, 10, 3, nil))
	waitFor(t, "one slot", func() bool { return r.FramesCaught() == 3 })
	assert.Equal(t, uint64(2), r.FrameIndex(), "frames 10 to 12, counted from 10")
	assert.Equal(t, Running, r.Status())

	sendStream(t, r, makeStream(r.geom, 13, 3, nil))
	waitFor(t, "two slots", func() bool { return r.FramesCaught() == 6 })
	assert.Equal(t, uint64(5), r.FrameIndex())
	require.NoError(t, r.StopReceiver())
	assert.Equal(t, uint64(5), r.FrameIndex())
}

// makeImageStream returns the packets of frames first..first+nframes-1 with
// pixel values from adc.
func makeImageStream(g packets.FrameGeometry, first uint32, nframes int, adc func(frame uint32, pixel int) uint16) []byte {
	perPacket := g.DataBytesPerPacket() / 2
	var stream []byte
	for f := first; f < first+uint32(nframes); f++ {
		for pos := 0; pos < g.PacketsPerFrame(); pos++ {
			b := make([]byte, g.OnePacketSize())
			binary.LittleEndian.PutUint32(b, packets.HeaderWord(g, f, pos))
			payload := b[g.HeaderSize():]
			for i := 0; i < perPacket; i++ {
				binary.LittleEndian.PutUint16(payload[2*i:], adc(f, pos*perPacket+i))
			}
			stream = append(stream, b...)
		}
	}
	return stream
}

// TestFilteringFindsPhotons sends noisy dark frames to build the pedestal,
// then frames with one bright pixel, and reads the clusters back from the
// cluster file.
func TestFilteringFindsPhotons(t *testing.T) {
	const (
		pedestalFrames = 20
		darkFrames     = 30
		hitFrames      = 5
		hitPixel       = 321
	)
	r := newTestReceiver(t)
	r.maxWriters = 1
	r.pedestalFrames = pedestalFrames
	require.NoError(t, r.SetAcquisitionPeriod(30*time.Millisecond))
	require.NoError(t, r.SetDataCompressionEnabled(true))
	require.Len(t, r.writers, 1)
	require.NoError(t, r.StartReceiver())

	g := r.geom
	// Each pixel cycles through 997..1003 from frame to frame.
	noisy := func(frame uint32, pixel int) uint16 {
		v := uint16(997 + (int(frame)*3+pixel)%7)
		if frame > darkFrames && pixel == hitPixel {
			v += 500
		}
		return v
	}
	sendStream(t, r, makeImageStream(g, 1, darkFrames+hitFrames, noisy))
	waitFor(t, "all frames", func() bool { return r.FramesCaught() == darkFrames+hitFrames })
	require.NoError(t, r.StopReceiver())

	cf, err := clusterfile.Open(clusterFileName(r.filePath, r.fileName, r.fileIndex, 0))
	require.NoError(t, err)
	defer cf.Close()
	assert.Equal(t, g.PixelsX(), cf.PixelsX)
	assert.Equal(t, r.AcquisitionID(), cf.AcquisitionID)

	var frames []uint64
	for {
		c, err := cf.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, int16(hitPixel), c.X)
		assert.Equal(t, int16(0), c.Y)
		require.Len(t, c.Values, 1)
		assert.InDelta(t, 500, c.Values[0], 10)
		frames = append(frames, c.FrameIndex)
	}
	assert.Equal(t, []uint64{31, 32, 33, 34, 35}, frames)
}
