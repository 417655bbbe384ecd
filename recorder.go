package scopeacq

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pulseox/scopeacq/internal/appendablenpy"
)

// RecordingState describes the recorder, for status reports.
type RecordingState struct {
	Enabled         bool
	Active          bool
	Paused          bool
	BasePath        string
	FilenamePattern string
	RunID           string
	SamplesWritten  map[int]int
	LastError       string `json:",omitempty"`
}

// RecorderSink writes every sample batch of a run to disk: one growing 1-D
// float64 .npy file per input channel, in a new numbered directory per run.
type RecorderSink struct {
	callbacks
	syncInterval time.Duration

	sync.Mutex
	enabled  bool
	paused   bool
	basePath string
	pattern  string // from makeDirectory; "" when no run is being recorded
	runID    string
	files    map[InputChannel]*appendablenpy.Writer
	lastSync time.Time
	lastErr  error
}

// NewRecorderSink returns a recorder that will write under basePath once enabled.
func NewRecorderSink(basePath string) *RecorderSink {
	rec := &RecorderSink{basePath: basePath, syncInterval: time.Second}
	rec.callbacks = callbacks{rec.HandleEvent}
	return rec
}

// SetEnabled turns recording on or off starting with the next run. Disabling
// also finishes any recording in progress.
func (rec *RecorderSink) SetEnabled(enabled bool, basePath string) error {
	rec.Lock()
	defer rec.Unlock()
	if enabled && basePath == "" && rec.basePath == "" {
		return configError("recorder.basepath", basePath, "must not be empty")
	}
	if basePath != "" {
		rec.basePath = basePath
	}
	rec.enabled = enabled
	if !enabled {
		return rec.finish()
	}
	return nil
}

// SetPaused suspends (or resumes) writing without ending the current files.
func (rec *RecorderSink) SetPaused(paused bool) {
	rec.Lock()
	defer rec.Unlock()
	rec.paused = paused
}

// ComputeState returns a copy of the recorder's state.
func (rec *RecorderSink) ComputeState() RecordingState {
	rec.Lock()
	defer rec.Unlock()
	state := RecordingState{
		Enabled:         rec.enabled,
		Active:          rec.pattern != "",
		Paused:          rec.paused,
		BasePath:        rec.basePath,
		FilenamePattern: rec.pattern,
		RunID:           rec.runID,
		SamplesWritten:  make(map[int]int),
	}
	for ch, w := range rec.files {
		state.SamplesWritten[int(ch)] = w.Len()
	}
	if rec.lastErr != nil {
		state.LastError = rec.lastErr.Error()
	}
	return state
}

// HandleEvent implements RunAwareSink.
func (rec *RecorderSink) HandleEvent(e Event) {
	rec.Lock()
	defer rec.Unlock()
	switch e.Kind {
	case RunningStateEvent:
		if e.Running {
			rec.begin(e.RunID)
		} else if err := rec.finish(); err != nil {
			ProblemLogger.Printf("recorder: %v", err)
		}

	case SampleBatchEvent:
		if rec.pattern == "" || rec.paused {
			return
		}
		if err := rec.append(e.Channel, e.Samples); err != nil {
			rec.fail(err)
		}

	case CycleEvent:
		if rec.pattern != "" && time.Since(rec.lastSync) >= rec.syncInterval {
			if err := rec.sync(); err != nil {
				rec.fail(err)
			}
		}
	}
}

func (rec *RecorderSink) begin(runID string) {
	if err := rec.finish(); err != nil {
		ProblemLogger.Printf("recorder: %v", err)
	}
	rec.runID = runID
	rec.lastErr = nil
	if !rec.enabled {
		return
	}
	pattern, err := makeDirectory(rec.basePath)
	if err != nil {
		rec.fail(err)
		return
	}
	rec.pattern = pattern
	rec.files = make(map[InputChannel]*appendablenpy.Writer)
	rec.lastSync = time.Now()
	UpdateLogger.Printf("Recording run %s to %s", runID, fmt.Sprintf(pattern, "chan*", "npy"))
}

func (rec *RecorderSink) append(ch InputChannel, samples []float64) error {
	w, ok := rec.files[ch]
	if !ok {
		var err error
		if w, err = appendablenpy.Create(fmt.Sprintf(rec.pattern, ch.String(), "npy")); err != nil {
			return err
		}
		rec.files[ch] = w
	}
	return w.Append(samples)
}

func (rec *RecorderSink) sync() error {
	rec.lastSync = time.Now()
	var errs []error
	for _, w := range rec.files {
		errs = append(errs, w.Sync())
	}
	return errors.Join(errs...)
}

// fail stops recording the current run after an error. Files already written are kept.
func (rec *RecorderSink) fail(err error) {
	ProblemLogger.Printf("recorder stopped for run %s: %v", rec.runID, err)
	closeErr := rec.finish()
	rec.lastErr = errors.Join(err, closeErr)
}

// finish closes the files of the run being recorded.
func (rec *RecorderSink) finish() error {
	if rec.pattern == "" {
		return nil
	}
	channels := make([]InputChannel, 0, len(rec.files))
	for ch := range rec.files {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	var errs []error
	for _, ch := range channels {
		w := rec.files[ch]
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s file: %w", ch, err))
		} else {
			UpdateLogger.Printf("Recorded %d samples of %s in run %s", w.Len(), ch, rec.runID)
		}
	}
	rec.pattern = ""
	rec.files = nil
	return errors.Join(errs...)
}

// makeDirectory creates a new numbered run directory basepath/YYYYMMDD/NNNN and
// returns a Sprintf pattern for filenames in it, which needs two strings: a
// name and an extension.
func makeDirectory(basepath string) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("BasePath is the empty string")
	}
	today := time.Now().Format("20060102")
	todayDir := fmt.Sprintf("%s/%s", basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := range 10000 {
		thisDir := fmt.Sprintf("%s/%4.4d", todayDir, i)
		if _, err := os.Stat(thisDir); os.IsNotExist(err) {
			if err2 := os.MkdirAll(thisDir, 0755); err2 != nil {
				return "", err2
			}
			return fmt.Sprintf("%s/%s_run%4.4d_%%s.%%s", thisDir, today, i), nil
		}
	}
	return "", fmt.Errorf("out of 4-digit ID numbers for today in %s", todayDir)
}
