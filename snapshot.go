package scopeacq

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// SnapshotSink remembers the most recent batch of each channel, so the latest
// trace can be saved on request.
type SnapshotSink struct {
	callbacks
	mu      sync.Mutex
	runID   string
	cycle   int
	batches map[InputChannel][]float64
}

// NewSnapshotSink returns an empty SnapshotSink.
func NewSnapshotSink() *SnapshotSink {
	ss := &SnapshotSink{batches: make(map[InputChannel][]float64)}
	ss.callbacks = callbacks{ss.HandleEvent}
	return ss
}

// HandleEvent implements RunAwareSink.
func (ss *SnapshotSink) HandleEvent(e Event) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	switch e.Kind {
	case RunningStateEvent:
		if e.Running {
			ss.runID = e.RunID
			ss.cycle = 0
			ss.batches = make(map[InputChannel][]float64)
		}
	case SampleBatchEvent:
		ss.batches[e.Channel] = e.Samples
	case CycleEvent:
		ss.cycle = e.Cycle
	}
}

// Latest returns the channels with a stored batch, in channel order, and a
// channels x samples matrix of their most recent batches. Shorter batches are
// padded with NaN.
func (ss *SnapshotSink) Latest() ([]InputChannel, *mat.Dense, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if len(ss.batches) == 0 {
		return nil, nil, fmt.Errorf("no sample batch has been received")
	}
	channels := make([]InputChannel, 0, len(ss.batches))
	ncols := 0
	for ch, b := range ss.batches {
		channels = append(channels, ch)
		ncols = max(ncols, len(b))
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	if ncols == 0 {
		return nil, nil, fmt.Errorf("latest sample batches are empty")
	}
	m := mat.NewDense(len(channels), ncols, nil)
	for i, ch := range channels {
		b := ss.batches[ch]
		for j := range ncols {
			if j < len(b) {
				m.Set(i, j, b[j])
			} else {
				m.Set(i, j, math.NaN())
			}
		}
	}
	return channels, m, nil
}

// Source reports the run and cycle that the latest batches came from.
func (ss *SnapshotSink) Source() (runID string, cycle int) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.runID, ss.cycle
}

// Save writes the latest batches to path in NumPy .npy format, one row per channel.
func (ss *SnapshotSink) Save(path string) error {
	channels, m, err := ss.Latest()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create snapshot file: %w", err)
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return fmt.Errorf("cannot write snapshot of channels %v: %w", channels, err)
	}
	return f.Close()
}
