package rundb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the activity table: one row per
// server process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information for the runs table: one row per acquisition
// run. It is inserted when the run starts and again, with End set, when it ends.
type RunMessage struct {
	ID                  string
	ActivityID          string
	SampleRateRequested float64
	SampleRateEchoed    float64
	SampleCount         int
	Channels            []uint8
	Stimuli             string // JSON list of the stimulus settings
	Cycles              int
	Error               string
	Start               time.Time
	End                 time.Time
}
