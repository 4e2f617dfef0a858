package slsrecv

import "fmt"

// RunStatus is the receiver's position in its acquisition cycle.
type RunStatus int

// Names for the possible values of RunStatus
const (
	Idle         RunStatus = iota // Waiting for StartReceiver
	Running                       // Listening and writing
	Transmitting                  // Stop requested; draining the last data
	RunFinished                   // Every writer has seen its end marker
	Error                         // The acquisition ended on an unexpected socket failure
)

var statusNames = [...]string{"Idle", "Running", "Transmitting", "RunFinished", "Error"}

func (s RunStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText lets status values appear by name in JSON and YAML.
func (s RunStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// acquisitionState holds the counters shared by the listener and the writers.
// All fields are guarded by Receiver.stateLock.
type acquisitionState struct {
	status RunStatus

	measurementStarted    bool // first packet seen since StartReceiver
	acquisitionStarted    bool // first packet seen since ResetTotalFramesCaught
	startFrameIndex       uint64
	startAcquisitionIndex uint64
	currentFrameIndex     uint64
	prevFrameIndex        uint64 // frame index when the current file was opened

	packetsInFile      int
	packetsCaught      uint64
	totalPacketsCaught uint64
	totalListened      uint64
	filesCreated       int
	paddedPackets      uint64
	discardedFrames    uint64

	activeWriters uint64 // bit i set while writer i has not seen its end marker
	listening     bool
}

// Progress is a snapshot of acquisition progress for the control front end.
type Progress struct {
	Status            RunStatus
	FrameIndex        uint64
	AcquisitionIndex  uint64
	FramesCaught      uint64
	TotalFramesCaught uint64
	MissingPackets    uint64
	DiscardedFrames   uint64
	FilesCreated      int
	AcquisitionID     string
}

// FileStatus announces a newly opened output file.
type FileStatus struct {
	Name          string
	Writer        int
	AcquisitionID string
}
