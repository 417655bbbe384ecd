package scopeacq

// Contains the PublisherSink, which publishes JSON-encoded messages giving
// the latest acquisition state, and binary sample batches, on ZMQ sockets.

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	zmq "github.com/pebbe/zmq4"
	"github.com/pulseox/scopeacq/internal/wire"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	Tag   string
	State any
}

// RunningMessage is published with tag RUNNING when a run starts or ends.
type RunningMessage struct {
	RunID   string
	Running bool
	Config  *WorkerConfig    `json:",omitempty"`
	Stimuli []StimulusConfig `json:",omitempty"`
}

// CycleMessage is published with tag CYCLE after each completed cycle.
type CycleMessage struct {
	RunID string
	Cycle int
}

// SampleRateMessage is published with tag SAMPLERATE once per run.
type SampleRateMessage struct {
	RunID        string
	SampleRateHz float64
}

// ErrorMessage is published with tag ERROR when a run fails.
type ErrorMessage struct {
	RunID   string
	Message string
}

// DroppedMessage is published with tag DROPPED when messages or events were lost.
type DroppedMessage struct {
	Events   uint64 // worker events dropped because the consumer was slow
	Messages uint64 // publisher messages dropped because the sockets were slow
}

type dataFrame struct {
	topic string
	frame []byte
}

// PublisherSink turns worker events into ClientUpdates and data frames, and
// RunClientUpdater sends them out. Publishing never blocks the event
// consumer: when the socket goroutine falls behind, messages are dropped and
// counted.
type PublisherSink struct {
	callbacks
	updates chan ClientUpdate
	frames  chan dataFrame
	dropped atomic.Uint64

	mu         sync.Mutex
	sampleRate float64 // echoed rate of the current run, stamped into data frames
}

// NewPublisherSink makes a PublisherSink that queues up to depth messages per socket.
func NewPublisherSink(depth int) *PublisherSink {
	ps := &PublisherSink{
		updates: make(chan ClientUpdate, depth),
		frames:  make(chan dataFrame, depth),
	}
	ps.callbacks = callbacks{ps.HandleEvent}
	return ps
}

// Publish queues a status message. It returns false if the message was dropped.
func (ps *PublisherSink) Publish(tag string, state any) bool {
	select {
	case ps.updates <- ClientUpdate{Tag: tag, State: state}:
		return true
	default:
		ps.dropped.Add(1)
		return false
	}
}

// Dropped is the number of messages discarded because the queue was full.
func (ps *PublisherSink) Dropped() uint64 {
	return ps.dropped.Load()
}

// HandleEvent implements RunAwareSink.
func (ps *PublisherSink) HandleEvent(e Event) {
	switch e.Kind {
	case RunningStateEvent:
		if e.Running {
			ps.mu.Lock()
			ps.sampleRate = 0
			if e.Config != nil {
				ps.sampleRate = e.Config.SampleRateHz
			}
			ps.mu.Unlock()
		}
		msg := RunningMessage{RunID: e.RunID, Running: e.Running, Config: e.Config}
		for _, spec := range e.Stimuli {
			msg.Stimuli = append(msg.Stimuli, StimulusConfigOf(spec))
		}
		ps.Publish("RUNNING", msg)

	case SampleRateEchoEvent:
		ps.mu.Lock()
		ps.sampleRate = e.SampleRateHz
		ps.mu.Unlock()
		ps.Publish("SAMPLERATE", SampleRateMessage{RunID: e.RunID, SampleRateHz: e.SampleRateHz})

	case SampleBatchEvent:
		ps.Publish("BATCH", Summarize(e.Channel, e.Cycle, e.Samples))
		ps.mu.Lock()
		rate := ps.sampleRate
		ps.mu.Unlock()
		frame, err := wire.Encode(wire.Batch{Channel: int(e.Channel), Cycle: uint64(e.Cycle),
			SampleRateHz: rate, Samples: e.Samples})
		if err != nil {
			ProblemLogger.Printf("cannot encode %s batch: %v", e.Channel, err)
			return
		}
		select {
		case ps.frames <- dataFrame{topic: e.Channel.String(), frame: frame}:
		default:
			ps.dropped.Add(1)
		}

	case CycleEvent:
		ps.Publish("CYCLE", CycleMessage{RunID: e.RunID, Cycle: e.Cycle})

	case ErrorEvent:
		ps.Publish("ERROR", ErrorMessage{RunID: e.RunID, Message: e.Message})
	}
}

// RunClientUpdater binds the status and data publisher sockets and forwards
// queued messages to them until abort is closed. Status messages are two
// frames: the tag, then the JSON-encoded state. Data messages are two frames:
// the channel name (e.g. "ch2", so clients can subscribe per channel), then
// the binary batch frame.
func (ps *PublisherSink) RunClientUpdater(statusport, dataport int, abort <-chan struct{}) error {
	statusSocket, err := bindPublisher(statusport)
	if err != nil {
		return err
	}
	defer statusSocket.Close()
	dataSocket, err := bindPublisher(dataport)
	if err != nil {
		return err
	}
	defer dataSocket.Close()

	for {
		select {
		case <-abort:
			return nil

		case update := <-ps.updates:
			message, err := json.Marshal(update.State)
			if err != nil {
				ProblemLogger.Printf("cannot marshal %s message %v: %v", update.Tag, update.State, err)
				continue
			}
			if _, err := statusSocket.SendMessage(update.Tag, message); err != nil {
				ProblemLogger.Printf("cannot publish %s message: %v", update.Tag, err)
			}

		case df := <-ps.frames:
			if _, err := dataSocket.SendMessage(df.topic, df.frame); err != nil {
				ProblemLogger.Printf("cannot publish %s data: %v", df.topic, err)
			}
		}
	}
}

func bindPublisher(port int) (*zmq.Socket, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	// Don't keep unsent messages around after Close.
	socket.SetLinger(0)
	hostname := fmt.Sprintf("tcp://*:%d", port)
	if err := socket.Bind(hostname); err != nil {
		socket.Close()
		return nil, fmt.Errorf("cannot bind publisher to %s: %w", hostname, err)
	}
	return socket, nil
}
