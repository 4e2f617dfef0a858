package packets

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func makePacket(g FrameGeometry, frame uint32, position int) Packet {
	p := make([]byte, g.OnePacketSize())
	binary.LittleEndian.PutUint32(p, HeaderWord(g, frame, position))
	return p
}

func TestHeaderWordInverts(t *testing.T) {
	layouts := []FrameGeometry{GotthardLayout(), GotthardShortLayout(), MoenchLayout(), EigerLayout(false), EigerLayout(true)}
	for _, g := range layouts {
		for _, frame := range []uint32{0, 1, 7, 1000, 65535} {
			for pos := 0; pos < g.PacketsPerFrame(); pos++ {
				p := makePacket(g, frame, pos)
				if fi := FrameIndex(g, p); fi != frame {
					t.Errorf("%s FrameIndex(frame %d, pos %d) = %d, want %d", g.Name(), frame, pos, fi, frame)
				}
				if pp := PacketPosition(g, p); pp != pos {
					t.Errorf("%s PacketPosition(frame %d, pos %d) = %d, want %d", g.Name(), frame, pos, pp, pos)
				}
				last := pos == g.PacketsPerFrame()-1
				assert.Equal(t, last, IsLastPacket(g, p), "%s IsLastPacket pos %d", g.Name(), pos)
			}
		}
	}
}

func TestGotthardBias(t *testing.T) {
	g := GotthardLayout()
	// Gotthard sends 2f-1 and 2f for the two packets of frame f.
	p := make(Packet, g.OnePacketSize())
	binary.LittleEndian.PutUint32(p, 9)
	assert.Equal(t, uint32(5), FrameIndex(g, p))
	assert.Equal(t, uint32(0), PacketIndex(g, p))
	binary.LittleEndian.PutUint32(p, 10)
	assert.Equal(t, uint32(5), FrameIndex(g, p))
	assert.Equal(t, uint32(1), PacketIndex(g, p))
	assert.True(t, IsLastPacket(g, p))
}

func TestMoenchLastPacketIsZero(t *testing.T) {
	g := MoenchLayout()
	assert.Equal(t, uint32(1), g.FirstPacketIndex())
	assert.Equal(t, uint32(0), g.LastPacketIndex())
	p := make(Packet, g.OnePacketSize())
	binary.LittleEndian.PutUint32(p, 0x1234<<8|39)
	assert.False(t, IsLastPacket(g, p))
	assert.Equal(t, uint32(0x1234), FrameIndex(g, p))
	binary.LittleEndian.PutUint32(p, 0x1234<<8)
	assert.True(t, IsLastPacket(g, p))
}

func TestShortPacket(t *testing.T) {
	if _, err := Packet([]byte{1, 2}).Word(); err == nil {
		t.Errorf("Word() on a 2-byte packet should error, did not")
	}
	g := GotthardShortLayout()
	assert.Equal(t, uint32(0), FrameIndex(g, Packet{}))
	if _, err := At(g, make([]byte, 1000), 1); err == nil {
		t.Errorf("At(1) on a buffer of 1000 bytes with 518-byte packets should error")
	}
	if _, err := At(g, make([]byte, 1036), 1); err != nil {
		t.Errorf("At(1) returned %v, want nil", err)
	}
}

func TestForDetector(t *testing.T) {
	g, err := ForDetector(Gotthard, Options{ShortFrame: true})
	assert.NoError(t, err)
	assert.Equal(t, 1, g.PacketsPerFrame())
	assert.Equal(t, 518, g.OnePacketSize())
	g, err = ForDetector(Eiger, Options{TenGiga: true})
	assert.NoError(t, err)
	assert.Equal(t, 4112, g.OnePacketSize())
	_, err = ForDetector(UnknownDetector, Options{})
	assert.Error(t, err)
	assert.Equal(t, 2572, FrameBytes(GotthardLayout()))

	d, err := ParseDetectorType("moench")
	assert.NoError(t, err)
	assert.Equal(t, Moench, d)
	_, err = ParseDetectorType("jungfrau")
	assert.Error(t, err)
	assert.Equal(t, "Eiger", Eiger.String())
}
