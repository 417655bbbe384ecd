package scopeacq

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pulseox/scopeacq/internal/eventqueue"
)

// WorkerState is used to indicate the idle/active/transition state of an AcquisitionWorker.
type WorkerState int

// Names for the possible values of WorkerState
const (
	Idle     WorkerState = iota // No run is active; Start may be called
	Starting                    // A run is opening and configuring the session
	Running                     // The acquisition loop is cycling
	Cleanup                     // The run is turning every output off
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Cleanup:
		return "Cleanup"
	}
	return fmt.Sprintf("WorkerState(%d)", int(s))
}

// ErrWorkerClosed is returned by Start after Close.
var ErrWorkerClosed = errors.New("acquisition worker is closed")

// DefaultQueueLimit is the number of undelivered events allowed before the
// oldest sample batch or cycle event is dropped. Events are dropped one at a
// time, so after an overflow a consumer may see a Cycle event without some or
// all of that cycle's batches, or batches whose Cycle event was dropped.
const DefaultQueueLimit = 4096

// AcquisitionWorker runs the acquire/stimulate/read cycle on its own goroutine
// and reports to a consumer through the channel returned by Events.
//
// The hardware session is owned by exactly one place at a time: the worker
// while idle, or the goroutine of the active run. Start moves the handle into
// the run and the run hands it back during cleanup, so there is never a second
// user of the session to lock against.
type AcquisitionWorker struct {
	factory      SessionFactory
	pollInterval time.Duration
	queue        *eventqueue.Queue[Event]
	closeQueue   sync.Once

	mu      sync.Mutex // guards all fields below
	state   WorkerState
	session HardwareSession // nil before the first run, and nil while a run holds it
	config  WorkerConfig
	stimuli []StimulusSpec
	stop    chan struct{} // closed to ask the active run to stop
	done    chan struct{} // closed when the active run has returned to Idle
	runID   string
	closed  bool
}

// WorkerOption customizes a new AcquisitionWorker.
type WorkerOption func(*AcquisitionWorker)

// WithQueueLimit sets the bound on undelivered events; limit <= 0 means unbounded.
func WithQueueLimit(limit int) WorkerOption {
	return func(w *AcquisitionWorker) {
		w.queue = newEventQueue(limit)
	}
}

// WithPollInterval sets how often a read polls a device that has no sample ready.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *AcquisitionWorker) {
		w.pollInterval = d
	}
}

// WithWorkerConfig sets the initial configuration (normally from LoadWorkerConfig).
func WithWorkerConfig(cfg WorkerConfig, stimuli []StimulusSpec) WorkerOption {
	return func(w *AcquisitionWorker) {
		w.config = cfg.clone()
		w.stimuli = append([]StimulusSpec(nil), stimuli...)
	}
}

// NewAcquisitionWorker creates an idle worker. The factory is not called until
// the first Start.
func NewAcquisitionWorker(factory SessionFactory, opts ...WorkerOption) *AcquisitionWorker {
	w := &AcquisitionWorker{
		factory:      factory,
		pollInterval: DefaultPollInterval,
		config:       DefaultWorkerConfig(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.queue == nil {
		w.queue = newEventQueue(DefaultQueueLimit)
	}
	return w
}

func newEventQueue(limit int) *eventqueue.Queue[Event] {
	q := eventqueue.New(limit, Event.droppable)
	q.OnDrop(func(e Event) {
		if n := q.Dropped(); n == 1 || n%1000 == 0 {
			ProblemLogger.Printf("event consumer is slow: dropped %v event of run %s (%d dropped so far)", e.Kind, e.RunID, n)
		}
	})
	return q
}

// Events returns the channel on which the worker delivers events, in the order
// they were emitted. It is closed after Close.
func (w *AcquisitionWorker) Events() <-chan Event {
	return w.queue.Out()
}

// Dropped returns how many sample batch or cycle events were discarded because
// the consumer fell too far behind.
func (w *AcquisitionWorker) Dropped() uint64 {
	return w.queue.Dropped()
}

// Configure sets the sample rate and per-cycle sample count. The values are
// validated now but reach the hardware only at the next Start.
func (w *AcquisitionWorker) Configure(sampleRateHz float64, sampleCount int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cfg := w.config.clone()
	cfg.SampleRateHz = sampleRateHz
	cfg.SampleCount = sampleCount
	if err := cfg.Validate(); err != nil {
		return err
	}
	w.config = cfg
	return nil
}

// ConfigureChannels sets which input channels are read every cycle, in order.
// Applied at the next Start.
func (w *AcquisitionWorker) ConfigureChannels(channels ...InputChannel) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cfg := w.config.clone()
	cfg.Channels = append([]InputChannel(nil), channels...)
	if err := cfg.Validate(); err != nil {
		return err
	}
	w.config = cfg
	return nil
}

// ConfigureWorker replaces the whole configuration. Applied at the next Start.
func (w *AcquisitionWorker) ConfigureWorker(cfg WorkerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg.clone()
	return nil
}

// ConfigureStimuli sets the stimuli held on during every read window. An empty
// list means reads happen with no stimulus. Applied at the next Start.
func (w *AcquisitionWorker) ConfigureStimuli(specs ...StimulusSpec) error {
	if err := checkDistinctOutputs(specs); err != nil {
		return err
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stimuli = append([]StimulusSpec(nil), specs...)
	return nil
}

// Config returns a copy of the configuration the next run will use.
func (w *AcquisitionWorker) Config() WorkerConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.config.clone()
}

// Stimuli returns the stimuli the next run will use.
func (w *AcquisitionWorker) Stimuli() []StimulusSpec {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]StimulusSpec(nil), w.stimuli...)
}

// State returns the worker's current state.
func (w *AcquisitionWorker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsRunning is true from Start until the run has emitted its final RunningState=false.
func (w *AcquisitionWorker) IsRunning() bool {
	return w.State() != Idle
}

// RunID returns the ID of the active run, or of the last run if idle.
func (w *AcquisitionWorker) RunID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runID
}

// acquisitionRun is the private state of one run, owned by its goroutine.
type acquisitionRun struct {
	id      string
	config  WorkerConfig
	stimuli []StimulusSpec
	stop    <-chan struct{}
	done    chan struct{}
}

// Start begins a run on a new goroutine and returns at once. It does nothing if
// a run is already active. Any configuration or device error is reported as an
// ErrorEvent from the run, not returned here.
func (w *AcquisitionWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerClosed
	}
	if w.state != Idle {
		return nil
	}
	stop := make(chan struct{})
	r := &acquisitionRun{
		id:      ulid.Make().String(),
		config:  w.config.clone(),
		stimuli: append([]StimulusSpec(nil), w.stimuli...),
		stop:    stop,
		done:    make(chan struct{}),
	}
	w.state = Starting
	w.stop = stop
	w.done = r.done
	w.runID = r.id
	hw := w.session
	w.session = nil
	cfg := r.config.clone()
	w.emit(r, Event{Kind: RunningStateEvent, Running: true, Config: &cfg,
		Stimuli: append([]StimulusSpec(nil), r.stimuli...)})
	log.Printf("Starting acquisition run %s: %.6g Hz, %d samples, channels %v\n",
		r.id, r.config.SampleRateHz, r.config.SampleCount, r.config.Channels)
	go w.run(r, hw)
	return nil
}

// RequestStop asks the active run to stop. The run notices at the start of its
// next cycle, so a stop takes effect within one cycle's duration; a read or
// stimulus window already in progress is completed first. Repeated calls, or
// calls while idle, do nothing.
func (w *AcquisitionWorker) RequestStop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Idle || w.stop == nil {
		return
	}
	closeIfOpen(w.stop)
}

// Wait blocks until the active run, if any, has returned to Idle.
func (w *AcquisitionWorker) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops any active run, waits for it, and closes the event channel once
// every queued event has been delivered. Start fails with ErrWorkerClosed from
// the moment Close is called.
func (w *AcquisitionWorker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.RequestStop()
	w.Wait()
	w.closeQueue.Do(func() { close(w.queue.In()) })
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}

func (w *AcquisitionWorker) setState(s WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// emit queues e for the consumer. The queue goroutine accepts it regardless
// of the consumer, so this never waits on a slow consumer.
func (w *AcquisitionWorker) emit(r *acquisitionRun, e Event) {
	e.RunID = r.id
	e.Time = time.Now()
	w.queue.In() <- e
}

// run is the body of one run: Starting -> Running -> Cleanup -> Idle.
func (w *AcquisitionWorker) run(r *acquisitionRun, hw HardwareSession) {
	defer close(r.done)

	var err error
	hw, err = w.openSession(hw)
	if err == nil {
		err = w.guarded(func() error { return w.acquire(r, hw) })
	}
	if err != nil {
		ProblemLogger.Printf("Acquisition run %s stopped with error: %v", r.id, err)
		w.emit(r, Event{Kind: ErrorEvent, Message: err.Error()})
	}

	w.setState(Cleanup)
	if cerr := w.guarded(func() error { return shutdownOutputs(hw) }); cerr != nil {
		ProblemLogger.Printf("Acquisition run %s could not turn all outputs off: %v", r.id, cerr)
		if err == nil {
			w.emit(r, Event{Kind: ErrorEvent, Message: cerr.Error()})
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.session = hw
	w.state = Idle
	w.emit(r, Event{Kind: RunningStateEvent, Running: false})
	log.Printf("Acquisition run %s is done\n", r.id)
}

// guarded calls f, converting a panic into an error so that cleanup still runs.
func (w *AcquisitionWorker) guarded(f func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in acquisition: %v", p)
		}
	}()
	return f()
}

// openSession returns hw, creating the session first if no run has created it yet.
func (w *AcquisitionWorker) openSession(hw HardwareSession) (HardwareSession, error) {
	if hw != nil {
		return hw, nil
	}
	if w.factory == nil {
		return nil, deviceError("open session", 0, errors.New("no session factory"))
	}
	hw, err := w.factory()
	if err != nil {
		return nil, deviceError("open session", 0, err)
	}
	if hw == nil {
		return nil, deviceError("open session", 0, errors.New("session factory returned no session"))
	}
	return hw, nil
}

// acquire configures the session and then cycles until stopped or an error occurs.
func (w *AcquisitionWorker) acquire(r *acquisitionRun, hw HardwareSession) error {
	cfg := r.config
	if err := w.configureSession(r, hw); err != nil {
		return err
	}
	w.setState(Running)

	reader := NewChannelReader(hw, cfg.ReadTimeout())
	reader.PollInterval = w.pollInterval
	batches := make([][]float64, len(cfg.Channels))
	readAll := func() error {
		for i, ch := range cfg.Channels {
			samples, err := reader.Read(ch, cfg.SampleCount)
			if err != nil {
				return err
			}
			batches[i] = samples
		}
		return nil
	}

	for cycle := 1; ; cycle++ {
		// This is the only place a stop request is observed.
		select {
		case <-r.stop:
			return nil
		default:
		}

		if err := WithStimuli(hw, r.stimuli, readAll); err != nil {
			return err
		}
		for i, ch := range cfg.Channels {
			w.emit(r, Event{Kind: SampleBatchEvent, Cycle: cycle, Channel: ch, Samples: batches[i]})
			batches[i] = nil
		}
		w.emit(r, Event{Kind: CycleEvent, Cycle: cycle})
	}
}

// configureSession applies the run's configuration to the hardware and echoes
// the sample rate the device reports.
func (w *AcquisitionWorker) configureSession(r *acquisitionRun, hw HardwareSession) error {
	cfg := r.config
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := checkDistinctOutputs(r.stimuli); err != nil {
		return err
	}
	for _, spec := range r.stimuli {
		if err := spec.Validate(); err != nil {
			return err
		}
	}

	if err := hw.SetSampleRate(cfg.SampleRateHz); err != nil {
		return &ConfigurationError{Field: "samplerate", Value: cfg.SampleRateHz, Reason: "rejected by device", Err: err}
	}
	actual, err := hw.SampleRate()
	if err != nil {
		return deviceError("get sample rate", 0, err)
	}
	w.emit(r, Event{Kind: SampleRateEchoEvent, SampleRateHz: actual})
	if cfg.StrictSampleRate && math.Abs(actual-cfg.SampleRateHz) > 1e-9*cfg.SampleRateHz {
		return configError("samplerate", cfg.SampleRateHz, "device can only sample at %.6g Hz", actual)
	}
	if actual > 0 && actual != cfg.SampleRateHz {
		UpdateLogger.Printf("Requested %.6g Hz sampling, device uses %.6g Hz", cfg.SampleRateHz, actual)
	}

	if err := hw.SetChannelsEnabled(cfg.channelMask()); err != nil {
		return deviceError("enable channels", 0, err)
	}
	return nil
}

// shutdownOutputs turns off every input channel and every stimulus output,
// whatever their last known state. It tries them all even if some fail.
func shutdownOutputs(hw HardwareSession) error {
	if hw == nil {
		return nil
	}
	var errs []error
	if err := hw.SetChannelsEnabled([NumInputChannels]bool{}); err != nil {
		errs = append(errs, deviceError("disable channels", 0, err))
	}
	for ch := OutputChannel(1); ch <= NumOutputChannels; ch++ {
		if err := hw.SetStimulusEnabled(ch, false); err != nil {
			errs = append(errs, deviceError("disable stimulus", int(ch), err))
		}
	}
	return errors.Join(errs...)
}
