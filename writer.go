package slsrecv

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/usnistgov/slsrecv/clusterfile"
	"github.com/usnistgov/slsrecv/internal/rundb"
	"github.com/usnistgov/slsrecv/packets"
	"github.com/usnistgov/slsrecv/photon"
	"github.com/usnistgov/slsrecv/ringbuffer"
)

// writer is one goroutine of the writer pool. Writer 0 owns the raw output
// file; in filtering mode every writer owns a photon detector and a cluster
// file.
type writer struct {
	index   int
	r       *Receiver
	mailbox chan request
	exited  chan struct{}

	raw      *rawFile
	sink     *clusterfile.Writer
	det      *photon.Detector
	pixels   []uint16
	padded   []byte
	sentinel int // end markers seen, for tests
}

func newWriter(r *Receiver, index int) *writer {
	w := &writer{
		index:   index,
		r:       r,
		mailbox: make(chan request, 1),
		exited:  make(chan struct{}),
	}
	go w.run()
	return w
}

// send posts a command and, for commands that reply, waits for the answer.
func (w *writer) send(cmd command) error {
	req := request{cmd: cmd}
	if cmd == cmdCreateFile || cmd == cmdCloseFile {
		req.reply = make(chan error, 1)
	}
	w.mailbox <- req
	if req.reply == nil {
		return nil
	}
	return <-req.reply
}

func (w *writer) run() {
	defer close(w.exited)
	prioritized := false
	for req := range w.mailbox {
		switch req.cmd {
		case cmdCreateFile:
			req.reply <- w.openOutputs()
		case cmdCloseFile:
			req.reply <- w.closeOutputs()
		case cmdRun:
			if w.r.realtime && !prioritized {
				prioritize("writer", writerPriority)
				prioritized = true
			}
			w.drain()
		case cmdShutdown:
			w.closeOutputs()
			return
		}
	}
}

// writesFiles reports whether the pipeline itself creates output files.
func (r *Receiver) writesFiles() bool {
	return r.fileWrite && r.cbAction > DoNothing
}

// openOutputs prepares the writer's outputs at acquisition start.
func (w *writer) openOutputs() error {
	r := w.r
	if !r.dataCompression {
		if w.index != 0 {
			return nil
		}
		return w.createNewFile()
	}

	cfg := photon.DefaultConfig(r.geom.PixelsX(), r.geom.PixelsY(), r.commonMode)
	if r.pedestalFrames > 0 {
		cfg.PedestalFrames = r.pedestalFrames
	}
	det, err := photon.New(cfg)
	if err != nil {
		return err
	}
	w.det = det
	w.pixels = make([]uint16, r.geom.PixelsX()*r.geom.PixelsY())
	if !r.writesFiles() {
		return nil
	}
	name := clusterFileName(r.filePath, r.fileName, r.fileIndex, w.index)
	sink := clusterfile.NewWriter(name, clusterfile.Header{
		Detector:        r.geom.Name(),
		AcquisitionID:   r.acqID,
		FileIndex:       r.fileIndex,
		WriterIndex:     w.index,
		PixelsX:         cfg.NX,
		PixelsY:         cfg.NY,
		ClusterSize:     cfg.ClusterSize,
		NSigma:          cfg.NSigma,
		CommonMode:      cfg.CommonMode,
		ReceiverVersion: Build.Version,
	})
	if err := sink.CreateFile(r.overwrite); err != nil {
		return fmt.Errorf("could not create file %s: %w", name, err)
	}
	if err := sink.WriteHeader(); err != nil {
		sink.Close()
		return err
	}
	w.sink = sink
	UpdateLogger.Printf("Thread %d: created file %s", w.index, name)
	return nil
}

// closeOutputs closes whatever files the writer has open.
func (w *writer) closeOutputs() error {
	r := w.r
	var err error
	if w.raw != nil {
		err = w.closeRaw()
	}
	if w.sink != nil {
		if err2 := w.sink.Close(); err == nil {
			err = err2
		}
		r.db.RecordFile(&rundb.FileMessage{
			AcquisitionID: r.acqID, Filename: w.sink.FileName(), Filetype: "CLZ4",
			WriterIndex: w.index, Start: w.sink.CreationTime, End: time.Now(),
			Records: w.sink.RecordsWritten(),
		})
		UpdateLogger.Printf("Thread %d: wrote %d clusters to %s", w.index, w.sink.RecordsWritten(), w.sink.FileName())
		w.sink = nil
	}
	if w.det != nil {
		if err2 := w.savePedestal(); err == nil {
			err = err2
		}
		w.det = nil
	}
	return err
}

func (w *writer) closeRaw() error {
	r := w.r
	size, err := w.raw.Close()
	r.db.RecordFile(&rundb.FileMessage{
		AcquisitionID: r.acqID, Filename: w.raw.name, Filetype: "RAW",
		WriterIndex: w.index, Start: w.raw.opened, End: time.Now(),
		Records: w.raw.packets, Size: size,
	})
	w.raw = nil
	if err != nil {
		ProblemLogger.Printf("Error closing raw file: %v", err)
	}
	return err
}

// savePedestal writes the pedestal map of a finished filtering run next to
// its cluster file.
func (w *writer) savePedestal() error {
	r := w.r
	mean, std := w.det.NoiseSummary()
	UpdateLogger.Printf("Thread %d: %d frames filtered, pedestal noise %.2f ± %.2f ADU",
		w.index, w.det.Frames(), mean, std)
	if !r.writesFiles() || w.det.Frames() == 0 {
		return nil
	}
	name := pedestalFileName(r.filePath, r.fileName, r.fileIndex, w.index)
	f, err := os.OpenFile(name, openFlags(true), 0664)
	if err != nil {
		return err
	}
	defer f.Close()
	return w.det.SavePedestal(f)
}

// createNewFile closes the raw file, if any, and opens the next one.
func (w *writer) createNewFile() error {
	r := w.r
	r.stateLock.Lock()
	name, report := w.rolloverLocked()
	r.stateLock.Unlock()
	return w.openRaw(name, report)
}

// rolloverLocked does the file bookkeeping of a rollover and returns the name
// of the next raw file. When frames have already been caught it builds the
// packet loss report of the closed file and resets the per-file counters.
// The caller holds stateLock, so when several writers find the file full
// only the first one rolls it over. In filtering mode this is the whole
// rollover, since no raw file is written.
func (w *writer) rolloverLocked() (name, report string) {
	r := w.r
	ppf := uint64(r.geom.PacketsPerFrame())
	st := &r.state
	name = rawFileName(r.filePath, r.fileName, r.frameIndexEnable || st.packetsCaught > 0,
		st.packetsCaught/ppf, r.fileIndex)
	if st.packetsCaught > 0 {
		span := int64(st.currentFrameIndex) - int64(st.prevFrameIndex)
		lost := span - int64(uint64(st.packetsInFile)/ppf)
		pct := 0
		if span > 0 {
			pct = int(float64(lost) / float64(span) * 100)
		}
		report = fmt.Sprintf("%s\tpacket loss %4d%%\tframenum %d\tindex %d\tlost %d",
			name, pct, st.currentFrameIndex, r.frameIndexLocked(), lost)
		st.prevFrameIndex = st.currentFrameIndex
		st.packetsInFile = 0
	}
	st.filesCreated++
	return name, report
}

// openRaw closes the current raw file and opens name in its place.
func (w *writer) openRaw(name, report string) error {
	r := w.r
	if w.raw != nil {
		w.closeRaw()
	}
	if r.dataCompression || !r.writesFiles() {
		return nil
	}
	raw, err := createRawFile(name, r.overwrite)
	if err != nil {
		return fmt.Errorf("could not create file %s: %w", name, err)
	}
	w.raw = raw
	if report == "" {
		UpdateLogger.Print(name)
	} else {
		UpdateLogger.Print(report)
	}
	r.publish("FILE", FileStatus{Name: name, Writer: w.index, AcquisitionID: r.acqID})
	return nil
}

// drain processes ready slots until this writer's end marker arrives.
func (w *writer) drain() {
	r := w.r
	pool := r.pool
	ctx := context.Background()
	for {
		slot, err := pool.PopReady(ctx)
		if err != nil {
			ProblemLogger.Printf("Writer %d could not get a ready slot: %v", w.index, err)
			return
		}
		if slot.IsSentinel() {
			pool.PushFree(slot)
			w.finish()
			return
		}
		w.process(slot)
		if err := pool.PushFree(slot); err != nil {
			ProblemLogger.Printf("Writer %d could not return slot %d: %v", w.index, slot.ID(), err)
		}
	}
}

// finish closes the writer's outputs and clears its bit in the active mask.
// Writer 0 then waits for the rest and ends the acquisition.
func (w *writer) finish() {
	r := w.r
	w.sentinel++
	if err := w.closeOutputs(); err != nil {
		ProblemLogger.Printf("Writer %d: %v", w.index, err)
	}

	r.stateLock.Lock()
	r.state.activeWriters &^= 1 << uint(w.index)
	r.writersDone.Broadcast()
	if w.index != 0 {
		r.stateLock.Unlock()
		return
	}
	for r.state.activeWriters != 0 {
		r.writersDone.Wait()
	}
	if r.state.status != Error {
		r.state.status = RunFinished
	}
	total := r.state.totalPacketsCaught
	frames := total / uint64(r.geom.PacketsPerFrame())
	r.stateLock.Unlock()

	UpdateLogger.Printf("Status: Run Finished. Total packets caught: %d. Total frames caught: %d", total, frames)
	if cb := r.callbacks.AcquisitionFinished; cb != nil {
		cb(frames)
	}
	r.endAcquisition()
}

// process handles one slot of packets according to the writing mode.
func (w *writer) process(slot *ringbuffer.Slot) {
	r := w.r
	g := r.geom
	n := int(slot.Count())
	if n == 0 && r.discardPolicy == DiscardEmpty {
		return
	}
	data := slot.Data()[:n*g.OnePacketSize()]
	if n > 0 {
		last, _ := packets.At(g, data, n-1)
		r.noteProgress(uint64(packets.FrameIndex(g, last)))
	}

	switch {
	case r.cbAction < DoEverything && r.callbacks.RawDataReady != nil:
		w.forward(data, n)
	case r.dataCompression:
		w.filter(data, n)
		return
	case n > 0:
		w.writeRaw(data, n)
	}
	w.mirror(data, n)
}

// forward hands the slot to the registered raw-data callback.
func (w *writer) forward(data []byte, n int) {
	r := w.r
	var file *os.File
	if w.raw != nil {
		file = w.raw.file
	}
	frameBytes := packets.FrameBytes(r.geom)
	gui := data
	if len(gui) > frameBytes {
		gui = gui[:frameBytes]
	}
	r.stateLock.Lock()
	frame := r.state.currentFrameIndex
	r.addCaughtLocked(n)
	r.stateLock.Unlock()
	r.callbacks.RawDataReady(frame, data, len(data), file, gui)
}

// mirror offers the first frame of the slot to the live display.
func (w *writer) mirror(data []byte, n int) {
	r := w.r
	if !r.dataStream || n == 0 {
		return
	}
	frameBytes := packets.FrameBytes(r.geom)
	frame := data
	if len(frame) > frameBytes {
		frame = frame[:frameBytes]
	}
	first, _ := packets.At(r.geom, data, 0)
	r.mirror.Offer(frame, uint64(packets.FrameIndex(r.geom, first)), w.currentFileName(),
		max(1, n/r.geom.PacketsPerFrame()))
}

func (w *writer) currentFileName() string {
	r := w.r
	if r.dataCompression {
		return clusterFileName(r.filePath, r.fileName, r.fileIndex, w.index)
	}
	if w.raw != nil {
		return w.raw.name
	}
	return ""
}

// writeRaw writes n packets, applying the discard and padding policies frame
// by frame when they could change the data.
func (w *writer) writeRaw(data []byte, n int) {
	r := w.r
	g := r.geom
	if g.PacketsPerFrame() == 1 || (r.discardPolicy != DiscardPartial && !r.padding) {
		w.writePackets(data, n, 0)
		return
	}
	size := g.OnePacketSize()
	ppf := g.PacketsPerFrame()
	for start := 0; start < n; {
		k, frameIndex := NextFrame(g, data, n, start)
		if k == 0 {
			break
		}
		frame := data[start*size : (start+k)*size]
		switch {
		case k == ppf:
			w.writePackets(frame, k, 0)
		case r.discardPolicy == DiscardPartial:
			r.stateLock.Lock()
			r.state.discardedFrames++
			r.stateLock.Unlock()
		case r.padding:
			if len(w.padded) < ppf*size {
				w.padded = make([]byte, ppf*size)
			}
			padFrame(g, w.padded, frame, k, frameIndex)
			w.writePackets(w.padded[:ppf*size], ppf, ppf-k)
		default:
			w.writePackets(frame, k, 0)
		}
		start += k
	}
}

// writePackets writes n packets to the raw file in chunks that never cross
// the per-file limit, rolling over to a new file at the limit. padded of the
// n packets were invented by padFrame.
func (w *writer) writePackets(data []byte, n, padded int) {
	r := w.r
	g := r.geom
	size := g.OnePacketSize()

	if w.raw == nil {
		r.stateLock.Lock()
		r.addCaughtLocked(n)
		r.state.paddedPackets += uint64(padded)
		r.stateLock.Unlock()
		return
	}

	r.stateLock.Lock()
	r.state.paddedPackets += uint64(padded)
	r.stateLock.Unlock()
	for n > 0 {
		r.stateLock.Lock()
		chunk := n
		if r.maxPacketsPerFile > 0 {
			chunk = min(n, r.maxPacketsPerFile-r.state.packetsInFile)
			if chunk <= 0 {
				chunk = n
			}
		}
		r.addCaughtLocked(chunk)
		full := r.maxPacketsPerFile > 0 && r.state.packetsInFile >= r.maxPacketsPerFile
		var next, report string
		if full {
			last, _ := packets.At(g, data, chunk-1)
			r.noteProgressLocked(uint64(packets.FrameIndex(g, last)))
			next, report = w.rolloverLocked()
		}
		r.stateLock.Unlock()

		if err := w.raw.write(data[:chunk*size], chunk); err != nil {
			ProblemLogger.Print(err)
		}
		data = data[chunk*size:]
		n -= chunk
		if full {
			if err := w.openRaw(next, report); err != nil {
				ProblemLogger.Printf("Writer %d: %v", w.index, err)
			}
			if w.raw == nil {
				// Without a file the rest is only counted.
				r.stateLock.Lock()
				r.addCaughtLocked(n)
				r.stateLock.Unlock()
				return
			}
		}
	}
}

// filter runs the photon detector over every complete frame of the slot and
// writes the clusters it finds.
func (w *writer) filter(data []byte, n int) {
	r := w.r
	g := r.geom
	size := g.OnePacketSize()
	ppf := g.PacketsPerFrame()
	mirrored := false
	for start := 0; start < n; {
		k, frameIndex := NextFrame(g, data, n, start)
		if k == 0 {
			break
		}
		if k == ppf && w.det != nil {
			frame := data[start*size : (start+k)*size]
			w.unpackPixels(frame)
			clusters, err := w.det.ProcessFrame(uint64(frameIndex), w.pixels)
			if err != nil {
				ProblemLogger.Printf("Thread %d: %v", w.index, err)
			}
			if w.det.Frames() == w.det.Config().PedestalFrames {
				UpdateLogger.Printf("Thread %d: pedestal done", w.index)
			}
			if w.sink != nil {
				for _, c := range clusters {
					if err := w.sink.WriteCluster(c); err != nil {
						ProblemLogger.Printf("Thread %d: %v", w.index, err)
						break
					}
				}
			}

			r.stateLock.Lock()
			r.addCaughtLocked(ppf)
			if r.maxPacketsPerFile > 0 && r.state.packetsInFile >= r.maxPacketsPerFile {
				w.rolloverLocked()
			}
			r.stateLock.Unlock()
			if !mirrored && r.dataStream {
				r.mirror.Offer(frame, uint64(frameIndex), w.currentFileName(), max(1, n/ppf))
				mirrored = true
			}
		}
		start += k
	}
}

// unpackPixels converts the pixel data of one frame's packets to ADC values.
func (w *writer) unpackPixels(frame []byte) {
	g := w.r.geom
	size := g.OnePacketSize()
	hdr := g.HeaderSize()
	ndata := g.DataBytesPerPacket()
	j := 0
	for off := 0; off+size <= len(frame) && j < len(w.pixels); off += size {
		payload := frame[off+hdr : off+hdr+ndata]
		for i := 0; i+1 < len(payload) && j < len(w.pixels); i += 2 {
			w.pixels[j] = binary.LittleEndian.Uint16(payload[i:])
			j++
		}
	}
}
