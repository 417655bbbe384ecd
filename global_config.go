package scopeacq

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by scopeacq.
type Portnumbers struct {
	RPC    int
	Status int
	Data   int
}

// Ports globally holds all TCP port numbers used by scopeacq.
var Ports Portnumbers

// SetPortnumbers assigns the RPC, status and data ports consecutively from base.
func SetPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Data = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client updates to a file
var UpdateLogger *log.Logger

func init() {
	SetPortnumbers(5600)
	StartTime = time.Now()

	// The main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
