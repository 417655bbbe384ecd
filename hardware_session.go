package scopeacq

import "fmt"

// InputChannel numbers the scope's analog input channels, 1 through NumInputChannels.
type InputChannel int

// OutputChannel numbers the stimulus outputs, 1 through NumOutputChannels.
// Outputs 1-2 are the analog (AX) outputs and 3-4 the pulse (P) outputs.
type OutputChannel int

// Channel counts of the scope.
const (
	NumInputChannels  = 4
	NumOutputChannels = 4
)

// Valid reports whether ch names a real input channel.
func (ch InputChannel) Valid() bool {
	return ch >= 1 && ch <= NumInputChannels
}

func (ch InputChannel) String() string {
	return fmt.Sprintf("ch%d", int(ch))
}

// Valid reports whether ch names a real stimulus output.
func (ch OutputChannel) Valid() bool {
	return ch >= 1 && ch <= NumOutputChannels
}

func (ch OutputChannel) String() string {
	if ch >= 3 {
		return fmt.Sprintf("P%d", int(ch)-2)
	}
	return fmt.Sprintf("AX%d", int(ch))
}

// StimulusController is the part of a HardwareSession that drives stimulus outputs.
type StimulusController interface {
	SetStimulusEnabled(ch OutputChannel, on bool) error
	SetStimulusFrequency(ch OutputChannel, hz float64) error
	SetStimulusAmplitude(ch OutputChannel, value float64) error
	SetPulseDutyPercent(ch OutputChannel, percent float64) error
	SetPulsePeriodMs(ch OutputChannel, ms float64) error
}

// ReadSession is the part of a HardwareSession that carries out read requests.
// Only one request may be open at a time. ReadNext never blocks: it returns
// ErrSampleNotReady when the device has not yet produced the next sample.
type ReadSession interface {
	BeginRead(ch InputChannel, count int) error
	HasMoreData() (bool, error)
	ReadNext(ch InputChannel) (float64, error)
	EndRead() error
}

// HardwareSession is the device handle used by the AcquisitionWorker. A session
// is used by at most one goroutine at a time; the worker enforces this by owning
// the handle for the duration of a run.
type HardwareSession interface {
	SetSampleRate(hz float64) error
	SampleRate() (float64, error)
	SetChannelEnabled(ch InputChannel, on bool) error
	SetChannelsEnabled(on [NumInputChannels]bool) error
	ReadSession
	StimulusController
}

// SessionFactory opens a new HardwareSession. It is called at most once per
// successful session creation; the handle is then reused across runs.
type SessionFactory func() (HardwareSession, error)
