package slsrecv

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/slsrecv/internal/rundb"
	"github.com/usnistgov/slsrecv/packets"
	"github.com/usnistgov/slsrecv/ringbuffer"
)

// CallbackAction is the answer of a StartAcquisition callback. It says how
// much of the writing the pipeline should still do itself.
type CallbackAction int

// Possible CallbackAction values
const (
	DoNothing    CallbackAction = iota // callbacks handle everything; no files are created
	CreateFiles                        // files are created, RawDataReady writes them
	DoEverything                       // the pipeline writes its own files
)

// Callbacks let an embedding program take over writing and get notified of
// acquisition boundaries. Any of them may be nil.
type Callbacks struct {
	StartAcquisition    func(filePath, fileName string, fileIndex, bufferSize int) CallbackAction
	RawDataReady        func(frameIndex uint64, data []byte, size int, file *os.File, guiData []byte)
	AcquisitionFinished func(totalFrames uint64)
}

const (
	samplingWindow    = 100 * time.Millisecond
	maxJobsPerThread  = 1000
	settleBeforeClose = 50 * time.Millisecond

	// MaxWriterThreads is the number of writers used in filtering mode.
	MaxWriterThreads = 15

	// DefaultUDPPort is the port detectors send to unless configured otherwise.
	DefaultUDPPort = 50001
)

// Receiver is the pipeline controller. It owns the acquisition state, the
// slot pool, the listening goroutine and the writer pool, and exposes the
// setters, lifecycle calls and progress getters used by the control front end.
type Receiver struct {
	controlLock sync.Mutex // serializes configuration and Start/Stop/Close

	// Configuration. Changed only while Idle, under controlLock.
	detector           packets.DetectorType
	opts               packets.Options
	geom               packets.FrameGeometry
	udpPort            int
	iface              string
	socketBuffer       int
	numFrames          int64
	numTriggers        int64
	numBursts          int64
	acquisitionTime    time.Duration
	acquisitionPeriod  time.Duration
	dynamicRange       int
	framesPerFile      int
	maxPacketsPerFile  int
	filePath           string
	fileName           string
	fileIndex          int
	fileWrite          bool
	overwrite          bool
	frameIndexEnable   bool
	dataStream         bool
	streamingFrequency int
	streamingTimer     time.Duration
	discardPolicy      DiscardPolicy
	padding            bool
	dataCompression    bool
	commonMode         bool
	pedestalFrames     int // filter warm-up in frames; 0 keeps the photon default
	maxWriters         int
	realtime           bool

	numJobs   int
	fifoDepth int
	pool      *ringbuffer.SlotPool
	poolErr   error
	assembler *FrameAssembler

	stateLock   sync.Mutex
	writersDone *sync.Cond
	state       acquisitionState
	lastError   error

	socket        *PacketSocket
	stopRequested atomic.Bool
	acqDone       chan struct{}
	acqID         string
	acqMessage    *rundb.AcquisitionMessage
	cbAction      CallbackAction
	callbacks     Callbacks

	listenMailbox  chan request
	listenerExited chan struct{}
	writers        []*writer
	mirror         *GuiMirror
	closed         bool

	updates chan<- ClientUpdate
	db      *rundb.Connection
}

// NewReceiver creates an idle Gotthard receiver with default settings and
// starts its listening and writer goroutines. Status updates go to updates
// and run records to db; either may be nil.
func NewReceiver(updates chan<- ClientUpdate, db *rundb.Connection) (*Receiver, error) {
	if db == nil {
		db = rundb.Disconnected()
	}
	r := &Receiver{
		detector:          packets.Gotthard,
		udpPort:           DefaultUDPPort,
		socketBuffer:      16 * 1024 * 1024,
		numFrames:         1,
		numTriggers:       1,
		numBursts:         1,
		dynamicRange:      16,
		filePath:          os.TempDir(),
		fileName:          "run",
		fileWrite:         true,
		overwrite:         true,
		frameIndexEnable:  true,
		discardPolicy:     NoDiscard,
		maxWriters:        MaxWriterThreads,
		listenMailbox:     make(chan request, 1),
		listenerExited:    make(chan struct{}),
		updates:           updates,
		db:                db,
		cbAction:          DoEverything,
		acqDone:           make(chan struct{}),
		streamingTimer:    0,
		acquisitionPeriod: samplingWindow,
	}
	close(r.acqDone)
	r.writersDone = sync.NewCond(&r.stateLock)
	r.geom = packets.GotthardLayout()
	r.framesPerFile = r.geom.MaxFramesPerFile()
	r.maxPacketsPerFile = r.framesPerFile * r.geom.PacketsPerFrame()
	r.mirror = NewGuiMirror(packets.FrameBytes(r.geom))
	if err := r.resize(true); err != nil {
		return nil, err
	}
	go r.runListener(r.listenMailbox, r.listenerExited)
	r.startWriters(1)
	return r, nil
}

// SetRealtime asks for real-time scheduling of the listening and writer
// goroutines, from their next acquisition on.
func (r *Receiver) SetRealtime(on bool) {
	r.controlLock.Lock()
	defer r.controlLock.Unlock()
	r.realtime = on
}

// RegisterCallbacks installs the callbacks used from the next acquisition on.
func (r *Receiver) RegisterCallbacks(cb Callbacks) error {
	r.controlLock.Lock()
	defer r.controlLock.Unlock()
	if err := r.requireIdle(); err != nil {
		return err
	}
	r.callbacks = cb
	return nil
}

// jobsPerThread computes how many frames each slot holds: the streaming
// frequency if frames go to the display every Nth frame, otherwise enough
// frames to span the sampling window, within [1, maxJobsPerThread].
func (r *Receiver) jobsPerThread() int {
	limit := min(maxJobsPerThread, ringbuffer.MaxCount/r.geom.PacketsPerFrame())
	if r.streamingFrequency > 0 {
		return min(r.streamingFrequency, limit)
	}
	jobs := 1
	if r.acquisitionPeriod <= 0 {
		jobs = int(samplingWindow / time.Nanosecond)
	} else {
		jobs = int(samplingWindow / r.acquisitionPeriod)
	}
	return max(1, min(jobs, limit))
}

// resize re-derives the slot geometry and reallocates the pool when it
// changed, or when force is set. The old pool must be quiescent.
func (r *Receiver) resize(force bool) error {
	jobs := r.jobsPerThread()
	depth := r.geom.FifoDepth()
	fifo := (depth + jobs - 1) / jobs
	slotBytes := jobs * packets.FrameBytes(r.geom)
	if !force && r.pool != nil && r.poolErr == nil && jobs == r.numJobs &&
		fifo == r.fifoDepth && slotBytes == r.pool.DataSize() {
		return nil
	}
	r.numJobs = jobs
	r.fifoDepth = fifo
	r.assembler = NewFrameAssembler(r.geom, jobs)
	r.pool = nil
	pool, err := ringbuffer.NewSlotPool(fifo, slotBytes)
	if err != nil {
		r.poolErr = err
		ProblemLogger.Printf("Could not allocate %d slots of %d bytes: %v", fifo, slotBytes, err)
		return err
	}
	r.pool = pool
	r.poolErr = nil
	UpdateLogger.Printf("Number of frames per slot: %d. Slots: %d", jobs, fifo)
	return nil
}

// startWriters creates a pool of n writer goroutines.
func (r *Receiver) startWriters(n int) {
	r.writers = make([]*writer, n)
	for i := range r.writers {
		r.writers[i] = newWriter(r, i)
	}
}

// stopWriters shuts down every writer goroutine and waits for them.
func (r *Receiver) stopWriters() {
	for _, w := range r.writers {
		w.send(cmdShutdown)
	}
	for _, w := range r.writers {
		<-w.exited
	}
	r.writers = nil
}

func (r *Receiver) requireIdle() error {
	if r.closed {
		return errors.New("receiver is closed")
	}
	if s := r.Status(); s != Idle {
		return fmt.Errorf("%w (status %v)", ErrNotIdle, s)
	}
	return nil
}

// StartReceiver opens the UDP socket, creates the first output files, and
// arms the listener and writers. On failure the receiver stays Idle and
// nothing is left open.
func (r *Receiver) StartReceiver() error {
	r.controlLock.Lock()
	defer r.controlLock.Unlock()
	if err := r.requireIdle(); err != nil {
		return err
	}
	if r.poolErr != nil || r.pool == nil {
		return fmt.Errorf("cannot start: %w", ErrSlotAllocation)
	}
	if !r.pool.Quiescent() {
		r.pool.Reclaim()
	}
	UpdateLogger.Printf("Starting receiver for %s on port %d", r.geom.Name(), r.udpPort)

	r.stateLock.Lock()
	st := &r.state
	st.measurementStarted = false
	st.startFrameIndex = 0
	st.prevFrameIndex = 0
	st.packetsInFile = 0
	st.packetsCaught = 0
	st.totalListened = 0
	st.filesCreated = 0
	st.discardedFrames = 0
	r.lastError = nil
	r.acqID = ulid.Make().String()
	r.stateLock.Unlock()
	r.stopRequested.Store(false)

	sock, err := ListenPacketSocket(r.iface, r.udpPort, r.geom.OnePacketSize(), r.socketBuffer)
	if err != nil {
		return fmt.Errorf("%w on port %d: %v", ErrNoSocket, r.udpPort, err)
	}
	r.socket = sock
	UpdateLogger.Printf("UDP socket created successfully on port %d", r.udpPort)

	r.cbAction = DoEverything
	if cb := r.callbacks.StartAcquisition; cb != nil {
		r.cbAction = cb(r.filePath, r.fileName, r.fileIndex, packets.FrameBytes(r.geom))
	}
	if r.cbAction < DoEverything {
		UpdateLogger.Print("Note: call back activated. Data saving must be taken care of by user in call back.")
	} else if !r.fileWrite {
		UpdateLogger.Print("Note: data will not be saved")
	}
	r.mirror.Configure(r.streamingFrequency, r.streamingTimer, packets.FrameBytes(r.geom))

	if err := r.createFiles(); err != nil {
		r.socket.Close()
		r.socket = nil
		return err
	}

	r.stateLock.Lock()
	r.state.status = Running
	r.state.listening = true
	r.state.activeWriters = 0
	for i := range r.writers {
		r.state.activeWriters |= 1 << uint(i)
	}
	r.acqDone = make(chan struct{})
	r.stateLock.Unlock()

	r.acqMessage = &rundb.AcquisitionMessage{
		ID: r.acqID, Detector: r.geom.Name(), Directory: r.filePath, FileName: r.fileName,
		FileIndex: r.fileIndex, Filtering: r.dataCompression, PacketsPerFrame: r.geom.PacketsPerFrame(),
		Writers: len(r.writers), Start: time.Now(),
	}
	r.db.RecordAcquisition(r.acqMessage)

	r.listenMailbox <- request{cmd: cmdRun}
	for _, w := range r.writers {
		w.send(cmdRun)
	}
	UpdateLogger.Printf("Receiver started. Acquisition %s", r.acqID)
	r.broadcastStatus()
	return nil
}

// createFiles has every writer open its outputs, then writes the master
// file. The first failure closes whatever was opened.
func (r *Receiver) createFiles() error {
	var firstErr error
	for _, w := range r.writers {
		if err := w.send(cmdCreateFile); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil && r.writesFiles() {
		firstErr = r.writeMasterFile()
	}
	if firstErr != nil {
		for _, w := range r.writers {
			w.send(cmdCloseFile)
		}
		return firstErr
	}
	return nil
}

// StopReceiver ends the acquisition: it lets late packets arrive, closes the
// socket to force the listener's final short read, and waits for every
// writer to finish.
func (r *Receiver) StopReceiver() error {
	r.controlLock.Lock()
	defer r.controlLock.Unlock()
	return r.stop()
}

func (r *Receiver) stop() error {
	status := r.Status()
	if status == Idle {
		return nil
	}
	UpdateLogger.Print("Stopping receiver")
	if status == Running {
		r.stopRequested.Store(true)
		time.Sleep(settleBeforeClose)
		r.stateLock.Lock()
		if r.state.status == Running {
			r.state.status = Transmitting
		}
		r.stateLock.Unlock()
		r.broadcastStatus()
	}
	if r.socket != nil {
		r.socket.Close()
	}
	// A writer may be blocked handing a frame to a display that is not reading.
	r.mirror.Release()
	<-r.acqDone
	r.socket = nil

	r.stateLock.Lock()
	r.state.status = Idle
	err := r.lastError
	r.stateLock.Unlock()
	UpdateLogger.Print("Receiver stopped")
	r.broadcastStatus()
	return err
}

// endAcquisition runs on writer 0 once all writers are done.
func (r *Receiver) endAcquisition() {
	p := r.Progress()
	if m := r.acqMessage; m != nil {
		m.FramesCaught = p.FramesCaught
		m.MissingPackets = p.MissingPackets
		r.db.FinishAcquisition(m)
	}
	r.stateLock.Lock()
	done := r.acqDone
	r.stateLock.Unlock()
	close(done)
	r.broadcastStatus()
}

// Close stops any acquisition and ends all goroutines. The receiver cannot be
// used afterwards.
func (r *Receiver) Close() error {
	r.controlLock.Lock()
	defer r.controlLock.Unlock()
	if r.closed {
		return nil
	}
	err := r.stop()
	r.stopWriters()
	r.listenMailbox <- request{cmd: cmdShutdown}
	<-r.listenerExited
	r.closed = true
	return err
}

// Status returns the run status.
func (r *Receiver) Status() RunStatus {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.state.status
}

// Listening reports whether the listener is still reading this acquisition.
func (r *Receiver) Listening() bool {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.state.listening
}

// LastError returns the error that ended the latest acquisition, if any.
func (r *Receiver) LastError() error {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.lastError
}

// AcquisitionID returns the identifier of the latest acquisition.
func (r *Receiver) AcquisitionID() string {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.acqID
}

// Mirror returns the live-display mailbox.
func (r *Receiver) Mirror() *GuiMirror {
	return r.mirror
}

func (r *Receiver) ppf() uint64 {
	return uint64(r.geom.PacketsPerFrame())
}

// addCaughtLocked counts n packets as caught. Call with stateLock held.
func (r *Receiver) addCaughtLocked(n int) {
	r.state.packetsInFile += n
	r.state.packetsCaught += uint64(n)
	r.state.totalPacketsCaught += uint64(n)
}

// noteProgress raises the current frame index to frame if that is larger, so
// progress never goes backwards when several writers race.
func (r *Receiver) noteProgress(frame uint64) {
	r.stateLock.Lock()
	r.noteProgressLocked(frame)
	r.stateLock.Unlock()
}

func (r *Receiver) noteProgressLocked(frame uint64) {
	if frame > r.state.currentFrameIndex {
		r.state.currentFrameIndex = frame
	}
}

func (r *Receiver) frameIndexLocked() uint64 {
	st := &r.state
	if st.packetsCaught == 0 || st.currentFrameIndex < st.startFrameIndex {
		return 0
	}
	return st.currentFrameIndex - st.startFrameIndex
}

func (r *Receiver) acquisitionIndexLocked() uint64 {
	st := &r.state
	if st.totalPacketsCaught == 0 || st.currentFrameIndex < st.startAcquisitionIndex {
		return 0
	}
	return st.currentFrameIndex - st.startAcquisitionIndex
}

func (r *Receiver) missingPacketsLocked() uint64 {
	st := &r.state
	if !st.acquisitionStarted || st.currentFrameIndex < st.startAcquisitionIndex {
		return 0
	}
	expected := (st.currentFrameIndex - st.startAcquisitionIndex + 1) * r.ppf()
	caught := st.totalPacketsCaught - st.paddedPackets
	if caught >= expected {
		return 0
	}
	return expected - caught
}

// FrameIndex returns the number of frames between the first of this
// measurement and the latest seen, or 0 before any packet was caught.
func (r *Receiver) FrameIndex() uint64 {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.frameIndexLocked()
}

// AcquisitionIndex is like FrameIndex, but counts from the first frame since
// the last ResetTotalFramesCaught.
func (r *Receiver) AcquisitionIndex() uint64 {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.acquisitionIndexLocked()
}

// FramesCaught returns the frames caught in the current measurement.
func (r *Receiver) FramesCaught() uint64 {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.state.packetsCaught / r.ppf()
}

// TotalFramesCaught returns the frames caught since the last ResetTotalFramesCaught.
func (r *Receiver) TotalFramesCaught() uint64 {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.state.totalPacketsCaught / r.ppf()
}

// NumMissingPackets estimates the packets lost since the last
// ResetTotalFramesCaught, from the span of frame indices seen.
func (r *Receiver) NumMissingPackets() uint64 {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.missingPacketsLocked()
}

// ResetTotalFramesCaught starts a new acquisition count.
func (r *Receiver) ResetTotalFramesCaught() error {
	r.controlLock.Lock()
	defer r.controlLock.Unlock()
	if err := r.requireIdle(); err != nil {
		return err
	}
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	r.state.acquisitionStarted = false
	r.state.startAcquisitionIndex = 0
	r.state.currentFrameIndex = 0
	r.state.totalPacketsCaught = 0
	r.state.paddedPackets = 0
	return nil
}

// Progress returns a consistent snapshot of all progress counters.
func (r *Receiver) Progress() Progress {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return Progress{
		Status:            r.state.status,
		FrameIndex:        r.frameIndexLocked(),
		AcquisitionIndex:  r.acquisitionIndexLocked(),
		FramesCaught:      r.state.packetsCaught / r.ppf(),
		TotalFramesCaught: r.state.totalPacketsCaught / r.ppf(),
		MissingPackets:    r.missingPacketsLocked(),
		DiscardedFrames:   r.state.discardedFrames,
		FilesCreated:      r.state.filesCreated,
		AcquisitionID:     r.acqID,
	}
}

// publish sends an update to status clients, if anyone listens.
func (r *Receiver) publish(tag string, state any) {
	if r.updates == nil {
		return
	}
	r.updates <- ClientUpdate{tag: tag, state: state}
}

func (r *Receiver) broadcastStatus() {
	r.publish("STATUS", r.Progress())
}
