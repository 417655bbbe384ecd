package scopeacq

import (
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pulseox/scopeacq/internal/rundb"
)

// RunDatabase stores one row per acquisition run.
type RunDatabase interface {
	RecordRun(msg *rundb.RunMessage)
	FinishRun(msg *rundb.RunMessage)
}

// RunLogSink records each run in a RunDatabase: a row when the run starts and
// a final row, with the echoed sample rate, cycle count and any error, when it
// ends.
type RunLogSink struct {
	callbacks
	db      RunDatabase
	current *rundb.RunMessage
}

// NewRunLogSink makes a sink recording to db.
func NewRunLogSink(db RunDatabase) *RunLogSink {
	rl := &RunLogSink{db: db}
	rl.callbacks = callbacks{rl.HandleEvent}
	return rl
}

// HandleEvent implements RunAwareSink. It is called only from the dispatching goroutine.
func (rl *RunLogSink) HandleEvent(e Event) {
	switch e.Kind {
	case RunningStateEvent:
		if e.Running {
			rl.begin(e)
		} else if rl.current != nil {
			final := *rl.current
			final.End = e.Time
			if final.End.IsZero() {
				final.End = time.Now()
			}
			rl.db.FinishRun(&final)
			rl.current = nil
		}

	case SampleRateEchoEvent:
		if rl.current != nil {
			rl.current.SampleRateEchoed = e.SampleRateHz
		}

	case CycleEvent:
		if rl.current != nil {
			rl.current.Cycles = e.Cycle
		}

	case ErrorEvent:
		if rl.current != nil && rl.current.Error == "" {
			rl.current.Error = e.Message
		}
	}
}

func (rl *RunLogSink) begin(e Event) {
	msg := &rundb.RunMessage{ID: e.RunID, Start: e.Time}
	if msg.Start.IsZero() {
		msg.Start = time.Now()
	}
	if e.Config != nil {
		msg.SampleRateRequested = e.Config.SampleRateHz
		msg.SampleCount = e.Config.SampleCount
		for _, ch := range e.Config.Channels {
			msg.Channels = append(msg.Channels, uint8(ch))
		}
	}
	stimuli := make([]StimulusConfig, 0, len(e.Stimuli))
	for _, spec := range e.Stimuli {
		stimuli = append(stimuli, StimulusConfigOf(spec))
	}
	if b, err := json.Marshal(stimuli); err == nil {
		msg.Stimuli = string(b)
	}
	rl.current = msg
	first := *msg
	rl.db.RecordRun(&first)
}

// NewActivityMessage describes this server process for the activity table.
func NewActivityMessage() *rundb.ActivityMessage {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &rundb.ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  hostname,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     StartTime,
	}
}
