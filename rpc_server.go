package scopeacq

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Publisher sends tagged status messages to clients.
type Publisher interface {
	Publish(tag string, state any) bool
}

// ScopeControl is the RPC service that configures and operates the
// acquisition worker.
type ScopeControl struct {
	worker    *AcquisitionWorker
	snapshot  *SnapshotSink
	recorder  *RecorderSink
	publisher Publisher
	settings  *viper.Viper // where Configure* calls are persisted; nil to not persist

	mu          sync.Mutex
	lastDropped uint64
}

// ServerStatus is the status that ScopeControl reports to clients.
type ServerStatus struct {
	State           string
	Running         bool
	RunID           string
	SampleRateHz    float64
	SampleCount     int
	Channels        []int
	Stimuli         []StimulusConfig
	StrictRate      bool
	DroppedEvents   uint64
	DroppedMessages uint64
	Recording       RecordingState
	Version         string
	Githash         string
	Uptime          string
}

// NewScopeControl makes the RPC service. Any of snapshot, recorder, publisher
// and settings may be nil.
func NewScopeControl(worker *AcquisitionWorker, snapshot *SnapshotSink, recorder *RecorderSink,
	publisher Publisher, settings *viper.Viper) *ScopeControl {
	return &ScopeControl{
		worker:    worker,
		snapshot:  snapshot,
		recorder:  recorder,
		publisher: publisher,
		settings:  settings,
	}
}

// ConfigureArgs holds the arguments to Configure.
type ConfigureArgs struct {
	SampleRateHz float64
	SampleCount  int
}

// Configure sets the sample rate and samples per cycle, applied at the next Start.
func (s *ScopeControl) Configure(args *ConfigureArgs, reply *bool) error {
	log.Printf("Configure: rate=%.6g Hz, %d samples\n", args.SampleRateHz, args.SampleCount)
	err := s.worker.Configure(args.SampleRateHz, args.SampleCount)
	return s.configured(err, reply)
}

// ConfigureChannels sets the input channels read every cycle, applied at the next Start.
func (s *ScopeControl) ConfigureChannels(channels *[]int, reply *bool) error {
	log.Printf("ConfigureChannels: %v\n", *channels)
	chans := make([]InputChannel, len(*channels))
	for i, c := range *channels {
		chans[i] = InputChannel(c)
	}
	err := s.worker.ConfigureChannels(chans...)
	return s.configured(err, reply)
}

// ConfigureStimuli sets the stimuli held on during reads, applied at the next Start.
func (s *ScopeControl) ConfigureStimuli(configs *[]StimulusConfig, reply *bool) error {
	log.Printf("ConfigureStimuli: %v\n", *configs)
	specs := make([]StimulusSpec, 0, len(*configs))
	for _, sc := range *configs {
		spec, err := sc.Spec()
		if err != nil {
			return s.configured(err, reply)
		}
		specs = append(specs, spec)
	}
	err := s.worker.ConfigureStimuli(specs...)
	return s.configured(err, reply)
}

// ReadGraceArgs holds the arguments to ConfigureTiming.
type ReadGraceArgs struct {
	ReadGraceMs      int
	StrictSampleRate bool
}

// ConfigureTiming sets the read grace period and the strict sample-rate check.
func (s *ScopeControl) ConfigureTiming(args *ReadGraceArgs, reply *bool) error {
	cfg := s.worker.Config()
	cfg.ReadGrace = time.Duration(args.ReadGraceMs) * time.Millisecond
	cfg.StrictSampleRate = args.StrictSampleRate
	err := s.worker.ConfigureWorker(cfg)
	return s.configured(err, reply)
}

// configured finishes a Configure* call: persist and broadcast on success.
func (s *ScopeControl) configured(err error, reply *bool) error {
	*reply = (err == nil)
	if err != nil {
		log.Printf("Configuration rejected: %v\n", err)
		return err
	}
	s.persist()
	s.broadcastUpdate()
	return nil
}

func (s *ScopeControl) persist() {
	if s.settings == nil {
		return
	}
	StoreWorkerConfig(s.settings, s.worker.Config(), s.worker.Stimuli())
	if err := s.settings.WriteConfig(); err != nil {
		ProblemLogger.Printf("Could not save settings to %q: %v", s.settings.ConfigFileUsed(), err)
	}
}

// RecordingArgs holds the arguments to ConfigureRecording.
type RecordingArgs struct {
	Enabled  bool
	Paused   bool
	BasePath string
}

// ConfigureRecording turns on-disk recording on or off from the next run.
func (s *ScopeControl) ConfigureRecording(args *RecordingArgs, reply *bool) error {
	if s.recorder == nil {
		*reply = false
		return errors.New("this server has no recorder")
	}
	err := s.recorder.SetEnabled(args.Enabled, args.BasePath)
	if err == nil {
		s.recorder.SetPaused(args.Paused)
		if s.settings != nil {
			s.settings.Set("recording", map[string]any{"enabled": args.Enabled, "basepath": s.recorder.ComputeState().BasePath})
		}
	}
	return s.configured(err, reply)
}

// Start begins acquisition. It does nothing if acquisition is already running.
func (s *ScopeControl) Start(dummy *string, reply *bool) error {
	err := s.worker.Start()
	*reply = (err == nil)
	s.broadcastUpdate()
	return err
}

// Stop asks a running acquisition to stop after the current cycle.
func (s *ScopeControl) Stop(dummy *string, reply *bool) error {
	log.Printf("Stopping acquisition\n")
	s.worker.RequestStop()
	*reply = true
	return nil
}

// Status reports the current state and configuration.
func (s *ScopeControl) Status(dummy *string, reply *ServerStatus) error {
	*reply = s.computeStatus()
	return nil
}

// SaveSnapshot writes the latest batch of each channel to a .npy file. An empty
// path means a file named after the run in the temporary directory. The reply
// is the path written.
func (s *ScopeControl) SaveSnapshot(path *string, reply *string) error {
	if s.snapshot == nil {
		return errors.New("this server keeps no snapshot")
	}
	p := *path
	if p == "" {
		runID, cycle := s.snapshot.Source()
		p = filepath.Join(os.TempDir(), fmt.Sprintf("scopeacq_%s_cycle%d.npy", runID, cycle))
	}
	if err := s.snapshot.Save(p); err != nil {
		return err
	}
	UpdateLogger.Printf("Saved snapshot to %s", p)
	*reply = p
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *ScopeControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	*reply = true
	return nil
}

func (s *ScopeControl) computeStatus() ServerStatus {
	cfg := s.worker.Config()
	status := ServerStatus{
		State:         s.worker.State().String(),
		Running:       s.worker.IsRunning(),
		RunID:         s.worker.RunID(),
		SampleRateHz:  cfg.SampleRateHz,
		SampleCount:   cfg.SampleCount,
		StrictRate:    cfg.StrictSampleRate,
		DroppedEvents: s.worker.Dropped(),
		Version:       Build.Version,
		Githash:       Build.Githash,
		Uptime:        time.Since(StartTime).Round(time.Second).String(),
	}
	for _, ch := range cfg.Channels {
		status.Channels = append(status.Channels, int(ch))
	}
	for _, spec := range s.worker.Stimuli() {
		status.Stimuli = append(status.Stimuli, StimulusConfigOf(spec))
	}
	if ps, ok := s.publisher.(*PublisherSink); ok {
		status.DroppedMessages = ps.Dropped()
	}
	if s.recorder != nil {
		status.Recording = s.recorder.ComputeState()
	}
	return status
}

func (s *ScopeControl) broadcastUpdate() {
	if s.publisher == nil {
		return
	}
	status := s.computeStatus()
	s.publisher.Publish("STATUS", status)

	s.mu.Lock()
	defer s.mu.Unlock()
	if status.DroppedEvents != s.lastDropped {
		s.lastDropped = status.DroppedEvents
		s.publisher.Publish("DROPPED", DroppedMessage{Events: status.DroppedEvents, Messages: status.DroppedMessages})
	}
}

// RunRPCServer serves ScopeControl by JSON-RPC on portrpc, and broadcasts the
// status every 2 seconds, until abort is closed.
func RunRPCServer(sc *ScopeControl, portrpc int, abort <-chan struct{}) error {
	server := rpc.NewServer()
	if err := server.Register(sc); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				listener.Close()
				return
			case <-ticker.C:
				sc.broadcastUpdate()
			}
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-abort:
				return nil
			default:
			}
			return fmt.Errorf("accept error: %w", err)
		}
		log.Printf("new connection established\n")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
