package slsrecv

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by the receiver.
type Portnumbers struct {
	RPC    int
	Status int
	GUI    int
}

// Ports globally holds all TCP port numbers used by the receiver.
var Ports Portnumbers

// SetPortnumbers assigns consecutive TCP ports starting at base.
func SetPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.GUI = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// ReceiverStartTime is a global holding the time init() was run
var ReceiverStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log file creation and acquisition summaries to a file
var UpdateLogger *log.Logger

func init() {
	SetPortnumbers(1954)
	ReceiverStartTime = time.Now()

	// The main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stdout, "", log.LstdFlags)
}
