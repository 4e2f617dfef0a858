// Package packets describes the UDP packets sent by sls detector front ends:
// the per-detector frame geometry and a bounds-checked view of the 32-bit
// header word that every packet carries at offset 0.
package packets

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DetectorType enumerates the detector families the receiver understands.
type DetectorType int

// Known detector families
const (
	UnknownDetector DetectorType = iota
	Gotthard
	Moench
	Eiger
)

var detectorNames = map[DetectorType]string{
	UnknownDetector: "Unknown",
	Gotthard:        "Gotthard",
	Moench:          "Moench",
	Eiger:           "Eiger",
}

func (d DetectorType) String() string {
	if name, ok := detectorNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DetectorType(%d)", int(d))
}

// ParseDetectorType converts a (case-insensitive) name into a DetectorType.
func ParseDetectorType(name string) (DetectorType, error) {
	for d, n := range detectorNames {
		if d != UnknownDetector && strings.EqualFold(n, name) {
			return d, nil
		}
	}
	return UnknownDetector, fmt.Errorf("detector type %q is not recognized", name)
}

// HeaderWordSize is the size of the frame/packet index word at the start of each packet.
const HeaderWordSize = 4

// FrameGeometry is the capability set that distinguishes one detector family
// from another as far as the receive pipeline is concerned.
type FrameGeometry interface {
	Detector() DetectorType
	Name() string
	PacketsPerFrame() int
	OnePacketSize() int
	// HeaderSize is the number of bytes before the pixel data in each packet.
	HeaderSize() int
	DataBytesPerPacket() int
	FrameIndexMask() uint32
	FrameIndexOffset() uint
	PacketIndexMask() uint32
	// IndexBias is added to the raw header word before masking.
	IndexBias() uint32
	FirstPacketIndex() uint32
	LastPacketIndex() uint32
	FifoDepth() int
	MaxFramesPerFile() int
	PixelsX() int
	PixelsY() int
}

// Layout is a FrameGeometry given by a table of constants.
type Layout struct {
	detector         DetectorType
	name             string
	packetsPerFrame  int
	onePacketSize    int
	headerSize       int
	dataBytes        int
	frameIndexMask   uint32
	frameIndexOffset uint
	packetIndexMask  uint32
	indexBias        uint32
	firstPacket      uint32
	fifoDepth        int
	maxFramesPerFile int
	pixelsX          int
	pixelsY          int
}

// Detector returns the family this layout belongs to.
func (l *Layout) Detector() DetectorType { return l.detector }

// Name returns a human-readable name for the layout.
func (l *Layout) Name() string { return l.name }

// PacketsPerFrame returns the number of UDP packets making one frame.
func (l *Layout) PacketsPerFrame() int { return l.packetsPerFrame }

// OnePacketSize returns the size of one UDP packet in bytes.
func (l *Layout) OnePacketSize() int { return l.onePacketSize }

// HeaderSize returns the bytes preceding pixel data in a packet.
func (l *Layout) HeaderSize() int { return l.headerSize }

// DataBytesPerPacket returns the pixel bytes carried by one packet.
func (l *Layout) DataBytesPerPacket() int { return l.dataBytes }

// FrameIndexMask returns the mask applied to the header word to get the frame index.
func (l *Layout) FrameIndexMask() uint32 { return l.frameIndexMask }

// FrameIndexOffset returns the right shift applied after masking the frame index.
func (l *Layout) FrameIndexOffset() uint { return l.frameIndexOffset }

// PacketIndexMask returns the mask applied to the header word to get the packet index.
func (l *Layout) PacketIndexMask() uint32 { return l.packetIndexMask }

// IndexBias returns the value added to the header word before masking.
func (l *Layout) IndexBias() uint32 { return l.indexBias }

// FirstPacketIndex returns the packet index carried by the first packet of a frame.
func (l *Layout) FirstPacketIndex() uint32 { return l.firstPacket }

// LastPacketIndex returns the packet index carried by the last packet of a frame.
func (l *Layout) LastPacketIndex() uint32 {
	return (l.firstPacket + uint32(l.packetsPerFrame) - 1) % uint32(l.packetsPerFrame)
}

// FifoDepth returns the nominal number of frames buffered between listener and writers.
func (l *Layout) FifoDepth() int { return l.fifoDepth }

// MaxFramesPerFile returns the default raw-file rollover size in frames.
func (l *Layout) MaxFramesPerFile() int { return l.maxFramesPerFile }

// PixelsX returns the number of pixel columns in a frame.
func (l *Layout) PixelsX() int { return l.pixelsX }

// PixelsY returns the number of pixel rows in a frame.
func (l *Layout) PixelsY() int { return l.pixelsY }

// GotthardLayout returns the geometry of the standard 2-packet Gotthard frame.
// Gotthard numbers its frames one early, hence the +1 bias.
func GotthardLayout() *Layout {
	return &Layout{
		detector:         Gotthard,
		name:             "Gotthard",
		packetsPerFrame:  2,
		onePacketSize:    1286,
		headerSize:       4,
		dataBytes:        1280,
		frameIndexMask:   0xFFFFFFFE,
		frameIndexOffset: 1,
		packetIndexMask:  0x1,
		indexBias:        1,
		firstPacket:      0,
		fifoDepth:        25000,
		maxFramesPerFile: 20000,
		pixelsX:          1280,
		pixelsY:          1,
	}
}

// GotthardShortLayout returns the geometry of the 256-pixel short-frame Gotthard.
func GotthardShortLayout() *Layout {
	return &Layout{
		detector:         Gotthard,
		name:             "GotthardShort",
		packetsPerFrame:  1,
		onePacketSize:    518,
		headerSize:       4,
		dataBytes:        512,
		frameIndexMask:   0xFFFFFFFF,
		frameIndexOffset: 0,
		packetIndexMask:  0,
		fifoDepth:        25000,
		maxFramesPerFile: 100000,
		pixelsX:          256,
		pixelsY:          1,
	}
}

// MoenchLayout returns the geometry of the 160x160 Moench frame in 40 packets.
// Packets are numbered 1..39 and the last one carries index 0.
func MoenchLayout() *Layout {
	return &Layout{
		detector:         Moench,
		name:             "Moench",
		packetsPerFrame:  40,
		onePacketSize:    1286,
		headerSize:       4,
		dataBytes:        1280,
		frameIndexMask:   0xFFFFFF00,
		frameIndexOffset: 8,
		packetIndexMask:  0xFF,
		firstPacket:      1,
		fifoDepth:        2500,
		maxFramesPerFile: 1000,
		pixelsX:          160,
		pixelsY:          160,
	}
}

// EigerLayout returns the geometry of an Eiger half-module port. One packet is one frame.
func EigerLayout(tenGiga bool) *Layout {
	l := &Layout{
		detector:         Eiger,
		name:             "Eiger",
		packetsPerFrame:  1,
		onePacketSize:    1040,
		headerSize:       8,
		dataBytes:        1024,
		frameIndexMask:   0xFFFFFF00,
		frameIndexOffset: 8,
		packetIndexMask:  0xFF,
		fifoDepth:        2500,
		maxFramesPerFile: 20000,
		pixelsX:          512,
		pixelsY:          1,
	}
	if tenGiga {
		l.name = "Eiger10G"
		l.onePacketSize = 4112
		l.dataBytes = 4096
		l.pixelsX = 2048
	}
	return l
}

// Options select the variant of a detector family.
type Options struct {
	ShortFrame bool
	TenGiga    bool
}

// ForDetector returns the geometry for a detector family and variant.
func ForDetector(d DetectorType, opt Options) (FrameGeometry, error) {
	switch d {
	case Gotthard:
		if opt.ShortFrame {
			return GotthardShortLayout(), nil
		}
		return GotthardLayout(), nil
	case Moench:
		return MoenchLayout(), nil
	case Eiger:
		return EigerLayout(opt.TenGiga), nil
	}
	return nil, fmt.Errorf("no frame geometry for detector type %v", d)
}

// FrameBytes returns the size of one complete frame on the wire.
func FrameBytes(g FrameGeometry) int {
	return g.PacketsPerFrame() * g.OnePacketSize()
}

// Packet is a view of one packet inside a larger byte buffer.
type Packet []byte

// Word returns the little-endian header word, or an error if the packet is too short.
func (p Packet) Word() (uint32, error) {
	if len(p) < HeaderWordSize {
		return 0, fmt.Errorf("packet has %d bytes, need at least %d for the header", len(p), HeaderWordSize)
	}
	return binary.LittleEndian.Uint32(p), nil
}

// FrameIndex extracts the frame index from a packet under geometry g.
func FrameIndex(g FrameGeometry, p Packet) uint32 {
	w, err := p.Word()
	if err != nil {
		return 0
	}
	return ((w + g.IndexBias()) & g.FrameIndexMask()) >> g.FrameIndexOffset()
}

// PacketIndex extracts the packet index from a packet under geometry g.
func PacketIndex(g FrameGeometry, p Packet) uint32 {
	w, err := p.Word()
	if err != nil {
		return 0
	}
	return (w + g.IndexBias()) & g.PacketIndexMask()
}

// IsLastPacket reports whether p carries the last-packet index of its frame.
func IsLastPacket(g FrameGeometry, p Packet) bool {
	if g.PacketsPerFrame() == 1 {
		return true
	}
	return PacketIndex(g, p) == g.LastPacketIndex()
}

// PacketPosition returns where in its frame (0..packetsPerFrame-1) packet p belongs.
func PacketPosition(g FrameGeometry, p Packet) int {
	n := uint32(g.PacketsPerFrame())
	if n == 1 {
		return 0
	}
	return int((PacketIndex(g, p) + n - g.FirstPacketIndex()) % n)
}

// HeaderWord builds the raw header word a detector sends for the given frame
// index and in-frame position. It inverts FrameIndex and PacketIndex.
func HeaderWord(g FrameGeometry, frameIndex uint32, position int) uint32 {
	n := uint32(g.PacketsPerFrame())
	pidx := uint32(0)
	if n > 1 {
		pidx = (g.FirstPacketIndex() + uint32(position)) % n
	}
	w := ((frameIndex << g.FrameIndexOffset()) & g.FrameIndexMask()) | (pidx & g.PacketIndexMask())
	return w - g.IndexBias()
}

// At returns the i-th packet of a buffer of consecutive packets.
func At(g FrameGeometry, buf []byte, i int) (Packet, error) {
	size := g.OnePacketSize()
	lo := i * size
	hi := lo + size
	if i < 0 || hi > len(buf) {
		return nil, fmt.Errorf("packet %d is outside a buffer of %d bytes (%d-byte packets)", i, len(buf), size)
	}
	return Packet(buf[lo:hi]), nil
}
