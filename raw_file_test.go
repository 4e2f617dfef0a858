package slsrecv

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/slsrecv/packets"
)

func TestFileNames(t *testing.T) {
	assert.Equal(t, "/data/run_f000000000012_3.raw", rawFileName("/data", "run", true, 12, 3))
	assert.Equal(t, "/data/run_3.raw", rawFileName("/data", "run", false, 0, 3))
	assert.Equal(t, "/data/run_fxxx_3_7.clz4", clusterFileName("/data", "run", 3, 7))
	assert.Equal(t, "/data/run_pedestal_3_7.npy", pedestalFileName("/data", "run", 3, 7))
	assert.Equal(t, "/data/run_master_3.yaml", masterFileName("/data", "run", 3))
}

func TestRawFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "x.raw")
	rf, err := createRawFile(name, false)
	require.NoError(t, err)
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 1000)
	require.NoError(t, rf.write(data, 4))
	require.NoError(t, rf.write(data[:8], 1))
	assert.Equal(t, 5, rf.packets)
	size, err := rf.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(4008), size)
	contents, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, append(data, data[:8]...), contents)

	// Without overwrite an existing file is an error; with it, the file is truncated.
	_, err = createRawFile(name, false)
	assert.Error(t, err)
	rf, err = createRawFile(name, true)
	require.NoError(t, err)
	rf.Close()
	info, err := os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestPadFrame(t *testing.T) {
	g := packets.MoenchLayout()
	size := g.OnePacketSize()
	ppf := g.PacketsPerFrame()
	// Frame 9 arrives without the packets at positions 0, 17 and 39.
	missing := map[int]bool{0: true, 17: true, 39: true}
	src := makeStream(g, 9, 1, func(frame uint32, pos int) bool { return !missing[pos] })
	n := len(src) / size
	require.Equal(t, ppf-3, n)

	dst := make([]byte, ppf*size)
	padFrame(g, dst, src, n, 9)
	for pos := 0; pos < ppf; pos++ {
		p := packets.Packet(dst[pos*size : (pos+1)*size])
		if fi := packets.FrameIndex(g, p); fi != 9 {
			t.Errorf("padded packet %d has frame index %d, want 9", pos, fi)
		}
		if got := packets.PacketPosition(g, p); got != pos {
			t.Errorf("padded packet %d reports position %d", pos, got)
		}
		if missing[pos] {
			assert.Equal(t, bytes.Repeat([]byte{0xFF}, size-4), []byte(p[4:]), "missing packet %d is 0xFF filled", pos)
		} else {
			assert.Equal(t, makePacket(g, 9, pos), []byte(p), "packet %d", pos)
		}
	}
}
