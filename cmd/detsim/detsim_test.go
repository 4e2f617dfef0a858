package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/slsrecv/packets"
)

func TestHelpers(t *testing.T) {
	f := 1.0
	j := 1
	mins := []float64{0, -10, 10}
	maxs := []float64{2, 0, 20}
	expect := []float64{1, 0, 10}
	for i := range mins {
		coerceFloat(&f, mins[i], maxs[i])
		if f != expect[i] {
			t.Errorf("coerceFloat made f=%.4f, want %.4f", f, expect[i])
		}
		coerceInt(&j, int(mins[i]), int(maxs[i]))
		e := int(expect[i])
		if j != e {
			t.Errorf("coerceInt made j=%d, want %d", j, e)
		}
	}
}

func collect(t *testing.T, geom packets.FrameGeometry, control DetsimControl) ([][]byte, int) {
	t.Helper()
	ch := make(chan []byte, 16)
	var got [][]byte
	done := make(chan struct{})
	go func() {
		for b := range ch {
			got = append(got, b)
		}
		close(done)
	}()
	dropped, err := generatePackets(geom, control, ch, make(chan os.Signal))
	require.NoError(t, err)
	<-done
	return got, dropped
}

func TestGenerate(t *testing.T) {
	for _, geom := range []packets.FrameGeometry{packets.GotthardLayout(), packets.MoenchLayout(), packets.EigerLayout(false)} {
		control := DetsimControl{frames: 5, firstFrame: 7, pedestal: 1000, noiselevel: 2, photonRate: 1, photonADU: 300}
		got, dropped := collect(t, geom, control)
		ppf := geom.PacketsPerFrame()
		assert.Equal(t, 0, dropped)
		require.Len(t, got, 5*ppf, geom.Name())
		for i, b := range got {
			assert.Len(t, b, geom.OnePacketSize())
			p := packets.Packet(b)
			if fi := packets.FrameIndex(geom, p); fi != uint32(7+i/ppf) {
				t.Errorf("%s packet %d has frame index %d, want %d", geom.Name(), i, fi, 7+i/ppf)
			}
			if pos := packets.PacketPosition(geom, p); pos != i%ppf {
				t.Errorf("%s packet %d has position %d, want %d", geom.Name(), i, pos, i%ppf)
			}
		}
		assert.True(t, packets.IsLastPacket(geom, packets.Packet(got[len(got)-1])))
	}
}

func TestDrop(t *testing.T) {
	geom := packets.MoenchLayout()
	control := DetsimControl{frames: 20, pedestal: 1000, dropRate: 0.25, seed: 3}
	got, dropped := collect(t, geom, control)
	assert.Greater(t, dropped, 0)
	assert.Equal(t, 20*geom.PacketsPerFrame(), len(got)+dropped)
}

func TestCancel(t *testing.T) {
	cancel := make(chan os.Signal)
	close(cancel)
	ch := make(chan []byte, 10)
	dropped, err := generatePackets(packets.GotthardLayout(), DetsimControl{frames: 0}, ch, cancel)
	assert.NoError(t, err)
	assert.Equal(t, 0, dropped)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
}
