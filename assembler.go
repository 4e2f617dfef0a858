package slsrecv

import (
	"github.com/usnistgov/slsrecv/packets"
)

// FrameAssembler finds frame boundaries in the packets read into one slot.
// A read that ends in the middle of a frame has its trailing packets moved to
// a carry-over buffer, which Prepare puts back at the front of the next slot.
// Only the listening goroutine uses a FrameAssembler.
type FrameAssembler struct {
	geom   packets.FrameGeometry
	jobs   int
	carry  []byte
	ncarry int
}

// NewFrameAssembler returns an assembler for slots of jobsPerThread frames.
func NewFrameAssembler(geom packets.FrameGeometry, jobsPerThread int) *FrameAssembler {
	if jobsPerThread < 1 {
		jobsPerThread = 1
	}
	return &FrameAssembler{
		geom:  geom,
		jobs:  jobsPerThread,
		carry: make([]byte, (geom.PacketsPerFrame()-1)*geom.OnePacketSize()),
	}
}

// NominalPackets is the number of packets in a full slot.
func (fa *FrameAssembler) NominalPackets() int {
	return fa.jobs * fa.geom.PacketsPerFrame()
}

// NominalBytes is the number of packet bytes in a full slot.
func (fa *FrameAssembler) NominalBytes() int {
	return fa.NominalPackets() * fa.geom.OnePacketSize()
}

// Carried returns the number of bytes waiting in the carry-over buffer.
func (fa *FrameAssembler) Carried() int {
	return fa.ncarry
}

// Reset drops any carry-over.
func (fa *FrameAssembler) Reset() {
	fa.ncarry = 0
}

// Prepare copies the carry-over to the front of dst and returns the part of
// dst still to be filled by the socket. dst must hold NominalBytes bytes.
func (fa *FrameAssembler) Prepare(dst []byte) []byte {
	dst = dst[:fa.NominalBytes()]
	n := copy(dst, fa.carry[:fa.ncarry])
	fa.ncarry = 0
	return dst[n:]
}

// Complete returns the number of packets to hand to the writers from data,
// which holds received bytes of consecutive packets. If the last packet is not
// the last of its frame, the trailing packets of that frame (at most
// packetsPerFrame-1 of them) become the carry-over and are not counted.
func (fa *FrameAssembler) Complete(data []byte, received int) int {
	size := fa.geom.OnePacketSize()
	ppf := fa.geom.PacketsPerFrame()
	n := received / size
	if n > fa.NominalPackets() {
		n = fa.NominalPackets()
	}
	if n == 0 || ppf == 1 {
		return n
	}
	last, err := packets.At(fa.geom, data, n-1)
	if err != nil {
		return 0
	}
	if packets.IsLastPacket(fa.geom, last) {
		return n
	}

	frame := packets.FrameIndex(fa.geom, last)
	k := 1
	for k < ppf-1 && k < n {
		p, _ := packets.At(fa.geom, data, n-1-k)
		if packets.FrameIndex(fa.geom, p) != frame {
			break
		}
		k++
	}
	fa.ncarry = copy(fa.carry, data[(n-k)*size:n*size])
	return n - k
}

// Partial returns the packet count of a short read of received bytes. Nothing
// is carried over: the acquisition is ending.
func (fa *FrameAssembler) Partial(received int) int {
	n := received / fa.geom.OnePacketSize()
	if n > fa.NominalPackets() {
		n = fa.NominalPackets()
	}
	return n
}

// NextFrame returns the length of the run of packets starting at packet start
// that share one frame index (never more than packetsPerFrame), along with
// that frame index.
func NextFrame(g packets.FrameGeometry, data []byte, npackets, start int) (n int, frameIndex uint32) {
	first, err := packets.At(g, data, start)
	if err != nil || start >= npackets {
		return 0, 0
	}
	frameIndex = packets.FrameIndex(g, first)
	n = 1
	if packets.IsLastPacket(g, first) {
		return n, frameIndex
	}
	for start+n < npackets && n < g.PacketsPerFrame() {
		p, _ := packets.At(g, data, start+n)
		if packets.FrameIndex(g, p) != frameIndex {
			break
		}
		n++
		if packets.IsLastPacket(g, p) {
			break
		}
	}
	return n, frameIndex
}
