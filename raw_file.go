package slsrecv

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/usnistgov/slsrecv/asyncbufio"
	"github.com/usnistgov/slsrecv/packets"
)

const (
	rawFileBufferSize    = 16 * 1024 * 1024
	rawFileQueueDepth    = 64
	rawFileFlushInterval = time.Second
)

// rawFileName gives `<path>/<name>_f<frames>_<index>.raw`, or
// `<path>/<name>_<index>.raw` without the frame segment.
func rawFileName(path, name string, frameSegment bool, framesCaught uint64, index int) string {
	if !frameSegment {
		return filepath.Join(path, fmt.Sprintf("%s_%d.raw", name, index))
	}
	return filepath.Join(path, fmt.Sprintf("%s_f%012d_%d.raw", name, framesCaught, index))
}

func clusterFileName(path, name string, index, thread int) string {
	return filepath.Join(path, fmt.Sprintf("%s_fxxx_%d_%d.clz4", name, index, thread))
}

func pedestalFileName(path, name string, index, thread int) string {
	return filepath.Join(path, fmt.Sprintf("%s_pedestal_%d_%d.npy", name, index, thread))
}

func masterFileName(path, name string, index int) string {
	return filepath.Join(path, fmt.Sprintf("%s_master_%d.yaml", name, index))
}

// openFlags returns the flags for creating an output file. Without overwrite
// an existing file is an error.
func openFlags(overwrite bool) int {
	if overwrite {
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	return os.O_WRONLY | os.O_CREATE | os.O_EXCL
}

// rawFile is one output file of flat packet bytes, written through a large
// asynchronous buffer.
type rawFile struct {
	name    string
	file    *os.File
	writer  *asyncbufio.Writer
	packets int
	opened  time.Time
}

func createRawFile(name string, overwrite bool) (*rawFile, error) {
	f, err := os.OpenFile(name, openFlags(overwrite), 0664)
	if err != nil {
		return nil, err
	}
	return &rawFile{
		name:   name,
		file:   f,
		writer: asyncbufio.NewWriter(f, rawFileBufferSize, rawFileQueueDepth, rawFileFlushInterval),
		opened: time.Now(),
	}, nil
}

func (rf *rawFile) write(data []byte, npackets int) error {
	if _, err := rf.writer.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", rf.name, err)
	}
	rf.packets += npackets
	return nil
}

// Close flushes and closes the file, returning its size.
func (rf *rawFile) Close() (int64, error) {
	err := rf.writer.Close()
	size := rf.writer.Written()
	if err2 := rf.file.Close(); err == nil {
		err = err2
	}
	return size, err
}

// padFrame builds a complete frame in dst from the n packets of one frame in
// src. Packets go to the position their index names; each missing packet is
// filled with 0xFF and stamped with the header word it should have carried.
func padFrame(g packets.FrameGeometry, dst, src []byte, n int, frameIndex uint32) {
	size := g.OnePacketSize()
	ppf := g.PacketsPerFrame()
	dst = dst[:ppf*size]
	present := make([]bool, ppf)
	for i := 0; i < n; i++ {
		p, err := packets.At(g, src, i)
		if err != nil {
			break
		}
		pos := packets.PacketPosition(g, p)
		copy(dst[pos*size:(pos+1)*size], p)
		present[pos] = true
	}
	for pos, ok := range present {
		if ok {
			continue
		}
		missing := dst[pos*size : (pos+1)*size]
		for i := range missing {
			missing[i] = 0xFF
		}
		binary.LittleEndian.PutUint32(missing, packets.HeaderWord(g, frameIndex, pos))
	}
}
