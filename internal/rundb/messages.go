package rundb

import "time"

// The composite types sent to the ClickHouse database.

// ReceiverActivityMessage is one row of the receiveractivity table: one per
// receiver process lifetime.
type ReceiverActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// AcquisitionMessage is one row of the acquisitions table. It is inserted at
// StartReceiver and again, with End and the totals set, when the run finishes.
type AcquisitionMessage struct {
	ID              string
	Detector        string
	Directory       string
	FileName        string
	FileIndex       int
	Filtering       bool
	PacketsPerFrame int
	Writers         int
	FramesCaught    uint64
	MissingPackets  uint64
	Start           time.Time
	End             time.Time
}

// FileMessage is one row of the files table.
type FileMessage struct {
	AcquisitionID string
	Filename      string
	Filetype      string
	WriterIndex   int
	Start         time.Time
	End           time.Time
	Records       int
	Size          int64
}
