package scopeacq

import (
	"context"
	"fmt"
	"time"
)

// EventKind identifies what an Event reports.
type EventKind int

// Names for the possible values of EventKind
const (
	RunningStateEvent   EventKind = iota // a run started or ended
	SampleBatchEvent                     // one channel's samples from one cycle
	CycleEvent                           // a cycle completed
	SampleRateEchoEvent                  // the sample rate the device actually uses
	ErrorEvent                           // the run failed; a RunningStateEvent follows
)

func (k EventKind) String() string {
	switch k {
	case RunningStateEvent:
		return "RUNNING"
	case SampleBatchEvent:
		return "BATCH"
	case CycleEvent:
		return "CYCLE"
	case SampleRateEchoEvent:
		return "SAMPLERATE"
	case ErrorEvent:
		return "ERROR"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one message from the acquisition worker to its consumer. Which
// fields are meaningful depends on Kind.
type Event struct {
	Kind         EventKind
	RunID        string // unique per run
	Time         time.Time
	Running      bool           // RunningStateEvent
	Config       *WorkerConfig  // RunningStateEvent when a run starts: the settings it uses
	Stimuli      []StimulusSpec // RunningStateEvent when a run starts
	Cycle        int            // SampleBatchEvent, CycleEvent
	Channel      InputChannel   // SampleBatchEvent
	Samples      []float64      // SampleBatchEvent
	SampleRateHz float64        // SampleRateEchoEvent
	Message      string         // ErrorEvent
}

// droppable reports whether the event may be discarded when the queue to the
// consumer is full. Lifecycle events are never dropped.
func (e Event) droppable() bool {
	return e.Kind == SampleBatchEvent || e.Kind == CycleEvent
}

// EventSink receives the worker's events on the consumer's goroutine.
type EventSink interface {
	OnCycle(counter int)
	OnSampleBatch(ch InputChannel, samples []float64)
	OnSampleRateEcho(hz float64)
	OnError(message string)
	OnRunningStateChanged(running bool)
}

// RunAwareSink is an optional extension of EventSink for sinks that need the
// run identity of each event (recorders, databases, publishers).
type RunAwareSink interface {
	EventSink
	HandleEvent(e Event)
}

// Deliver hands e to sink, preferring HandleEvent when the sink implements it.
func Deliver(sink EventSink, e Event) {
	if ras, ok := sink.(RunAwareSink); ok {
		ras.HandleEvent(e)
		return
	}
	switch e.Kind {
	case RunningStateEvent:
		sink.OnRunningStateChanged(e.Running)
	case SampleBatchEvent:
		sink.OnSampleBatch(e.Channel, e.Samples)
	case CycleEvent:
		sink.OnCycle(e.Cycle)
	case SampleRateEchoEvent:
		sink.OnSampleRateEcho(e.SampleRateHz)
	case ErrorEvent:
		sink.OnError(e.Message)
	}
}

// Dispatch delivers events to sink, in order, until events is closed or ctx is done.
// Run it on the consumer's own goroutine.
func Dispatch(ctx context.Context, events <-chan Event, sink EventSink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			Deliver(sink, e)
		}
	}
}

// MultiSink fans every event out to each of its sinks, in order.
type MultiSink []EventSink

// HandleEvent implements RunAwareSink.
func (ms MultiSink) HandleEvent(e Event) {
	for _, s := range ms {
		Deliver(s, e)
	}
}

// OnCycle implements EventSink.
func (ms MultiSink) OnCycle(counter int) { ms.HandleEvent(Event{Kind: CycleEvent, Cycle: counter}) }

// OnSampleBatch implements EventSink.
func (ms MultiSink) OnSampleBatch(ch InputChannel, samples []float64) {
	ms.HandleEvent(Event{Kind: SampleBatchEvent, Channel: ch, Samples: samples})
}

// OnSampleRateEcho implements EventSink.
func (ms MultiSink) OnSampleRateEcho(hz float64) {
	ms.HandleEvent(Event{Kind: SampleRateEchoEvent, SampleRateHz: hz})
}

// OnError implements EventSink.
func (ms MultiSink) OnError(message string) { ms.HandleEvent(Event{Kind: ErrorEvent, Message: message}) }

// OnRunningStateChanged implements EventSink.
func (ms MultiSink) OnRunningStateChanged(running bool) {
	ms.HandleEvent(Event{Kind: RunningStateEvent, Running: running})
}

// callbacks provides the EventSink methods of a RunAwareSink by forwarding
// each callback to its HandleEvent.
type callbacks struct {
	handle func(Event)
}

func (c callbacks) OnCycle(counter int) { c.handle(Event{Kind: CycleEvent, Cycle: counter}) }

func (c callbacks) OnSampleBatch(ch InputChannel, samples []float64) {
	c.handle(Event{Kind: SampleBatchEvent, Channel: ch, Samples: samples})
}

func (c callbacks) OnSampleRateEcho(hz float64) {
	c.handle(Event{Kind: SampleRateEchoEvent, SampleRateHz: hz})
}

func (c callbacks) OnError(message string) { c.handle(Event{Kind: ErrorEvent, Message: message}) }

func (c callbacks) OnRunningStateChanged(running bool) {
	c.handle(Event{Kind: RunningStateEvent, Running: running})
}
