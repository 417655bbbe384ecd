// Package simscope provides Scope, a drop-in replacement for the scope hardware
// session that requires no hardware. It synthesizes input signals that follow
// whatever stimulus outputs are on, and lets tests inject failures, observe
// output states and hook every device call.
package simscope

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pulseox/scopeacq"
)

// Operation names, as used by FailOn, Calls and Hook.
const (
	OpSetSampleRate       = "SetSampleRate"
	OpSampleRate          = "SampleRate"
	OpSetChannelEnabled   = "SetChannelEnabled"
	OpSetChannelsEnabled  = "SetChannelsEnabled"
	OpBeginRead           = "BeginRead"
	OpHasMoreData         = "HasMoreData"
	OpReadNext            = "ReadNext"
	OpEndRead             = "EndRead"
	OpSetStimulusEnabled  = "SetStimulusEnabled"
	OpSetStimulusFreq     = "SetStimulusFrequency"
	OpSetStimulusAmpl     = "SetStimulusAmplitude"
	OpSetPulseDutyPercent = "SetPulseDutyPercent"
	OpSetPulsePeriodMs    = "SetPulsePeriodMs"
)

// Options configures a simulated Scope.
type Options struct {
	MaxSampleRate float64 // highest accepted sample rate; 0 means no limit
	ClockHz       float64 // if > 0, rates are rounded to ClockHz/integer like a real clock divider
	RealTime      bool    // if true, samples become ready at the sample rate instead of at once
	ShortBy       int     // each read request supplies this many fewer samples than asked for
	Baseline      float64 // value read on an input with no stimulus
	PulseHigh     float64 // level of a pulse output while high
}

// DefaultOptions returns a fast, exact simulation.
func DefaultOptions() Options {
	return Options{MaxSampleRate: 4e6, Baseline: 0.5, PulseHigh: 5.0}
}

type output struct {
	Enabled     bool
	FrequencyHz float64
	Amplitude   float64
	DutyPercent float64
	PeriodMs    float64
}

type request struct {
	Channel  scopeacq.InputChannel
	Supply   int
	Consumed int
	Started  time.Time
}

type failure struct {
	remaining int
	err       error
}

// Scope is a simulated HardwareSession. All methods are safe to call from
// several goroutines, so tests may observe it while a worker drives it.
type Scope struct {
	mu         sync.Mutex
	opts       Options
	sampleRate float64
	channels   [scopeacq.NumInputChannels]bool
	outputs    [scopeacq.NumOutputChannels]output
	req        *request
	clock      [scopeacq.NumInputChannels]int64 // samples produced per channel, for phase continuity
	calls      map[string]int
	failures   map[string]*failure
	hook       func(op string)
	enableLog  []string
}

// New generates and returns a new simulated Scope.
func New(opts Options) *Scope {
	return &Scope{
		opts:       opts,
		sampleRate: 1000,
		calls:      make(map[string]int),
		failures:   make(map[string]*failure),
	}
}

// Factory returns a SessionFactory that creates one new Scope per call and
// reports each through created (which may be nil).
func Factory(opts Options, created func(*Scope)) scopeacq.SessionFactory {
	return func() (scopeacq.HardwareSession, error) {
		s := New(opts)
		if created != nil {
			created(s)
		}
		return s, nil
	}
}

// FailOn makes the nth upcoming call (1 = the next one) of op return err.
func (s *Scope) FailOn(op string, nth int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{remaining: nth, err: err}
}

// Hook registers f to be called at the start of every device operation, before
// the operation takes effect. f runs without the Scope's lock held.
func (s *Scope) Hook(f func(op string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = f
}

// Calls returns how many times op has been called.
func (s *Scope) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// StimulusEnabled reports whether output ch is currently on.
func (s *Scope) StimulusEnabled(ch scopeacq.OutputChannel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ch.Valid() {
		return false
	}
	return s.outputs[ch-1].Enabled
}

// AnyStimulusEnabled reports whether any output is on.
func (s *Scope) AnyStimulusEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outputs {
		if o.Enabled {
			return true
		}
	}
	return false
}

// ChannelEnabled reports whether input ch is currently on.
func (s *Scope) ChannelEnabled(ch scopeacq.InputChannel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ch.Valid() {
		return false
	}
	return s.channels[ch-1]
}

// ReadOpen reports whether a read request is open.
func (s *Scope) ReadOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req != nil
}

// EnableLog returns the sequence of stimulus on/off changes, like "AX1 on".
func (s *Scope) EnableLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.enableLog...)
}

// Dump returns a readable description of the whole simulated device state.
func (s *Scope) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := struct {
		SampleRate float64
		Channels   [scopeacq.NumInputChannels]bool
		Outputs    [scopeacq.NumOutputChannels]output
		Request    *request
		Calls      map[string]int
	}{s.sampleRate, s.channels, s.outputs, s.req, s.calls}
	return spew.Sdump(state)
}

// enter counts op, runs the hook, takes the lock and returns any injected failure.
// The caller must unlock.
func (s *Scope) enter(op string) error {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(op)
	}
	s.mu.Lock()
	s.calls[op]++
	if f, ok := s.failures[op]; ok {
		f.remaining--
		if f.remaining <= 0 {
			delete(s.failures, op)
			return f.err
		}
	}
	return nil
}

// SetSampleRate implements scopeacq.HardwareSession.
func (s *Scope) SetSampleRate(hz float64) error {
	err := s.enter(OpSetSampleRate)
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	if !(hz > 0) {
		return fmt.Errorf("sample rate %v Hz is not positive", hz)
	}
	if s.opts.MaxSampleRate > 0 && hz > s.opts.MaxSampleRate {
		return fmt.Errorf("sample rate %v Hz exceeds maximum %v Hz", hz, s.opts.MaxSampleRate)
	}
	if s.opts.ClockHz > 0 {
		divider := math.Max(1, math.Round(s.opts.ClockHz/hz))
		hz = s.opts.ClockHz / divider
	}
	s.sampleRate = hz
	return nil
}

// SampleRate implements scopeacq.HardwareSession.
func (s *Scope) SampleRate() (float64, error) {
	err := s.enter(OpSampleRate)
	defer s.mu.Unlock()
	return s.sampleRate, err
}

// SetChannelEnabled implements scopeacq.HardwareSession.
func (s *Scope) SetChannelEnabled(ch scopeacq.InputChannel, on bool) error {
	err := s.enter(OpSetChannelEnabled)
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	if !ch.Valid() {
		return fmt.Errorf("no input channel %d", ch)
	}
	s.channels[ch-1] = on
	return nil
}

// SetChannelsEnabled implements scopeacq.HardwareSession.
func (s *Scope) SetChannelsEnabled(on [scopeacq.NumInputChannels]bool) error {
	err := s.enter(OpSetChannelsEnabled)
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	s.channels = on
	return nil
}

// BeginRead implements scopeacq.HardwareSession.
func (s *Scope) BeginRead(ch scopeacq.InputChannel, count int) error {
	err := s.enter(OpBeginRead)
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.req != nil {
		return errors.New("a read request is already open")
	}
	if !ch.Valid() || !s.channels[ch-1] {
		return fmt.Errorf("input channel %d is not enabled", ch)
	}
	if count <= 0 {
		return fmt.Errorf("cannot request %d samples", count)
	}
	supply := max(count-s.opts.ShortBy, 0)
	s.req = &request{Channel: ch, Supply: supply, Started: time.Now()}
	return nil
}

// HasMoreData implements scopeacq.HardwareSession.
func (s *Scope) HasMoreData() (bool, error) {
	err := s.enter(OpHasMoreData)
	defer s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.req != nil && s.req.Consumed < s.req.Supply, nil
}

// ReadNext implements scopeacq.HardwareSession.
func (s *Scope) ReadNext(ch scopeacq.InputChannel) (float64, error) {
	err := s.enter(OpReadNext)
	defer s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	r := s.req
	if r == nil {
		return 0, errors.New("no read request is open")
	}
	if ch != r.Channel {
		return 0, fmt.Errorf("read request is for channel %d, not %d", r.Channel, ch)
	}
	if r.Consumed >= r.Supply {
		return 0, errors.New("read request is exhausted")
	}
	if s.opts.RealTime {
		due := r.Started.Add(time.Duration(float64(r.Consumed+1) / s.sampleRate * float64(time.Second)))
		if time.Now().Before(due) {
			return 0, scopeacq.ErrSampleNotReady
		}
	}
	t := float64(s.clock[ch-1]) / s.sampleRate
	s.clock[ch-1]++
	r.Consumed++
	return s.signal(t), nil
}

// signal is the synthetic input: the baseline plus every enabled output.
func (s *Scope) signal(t float64) float64 {
	v := s.opts.Baseline
	for _, o := range s.outputs {
		if !o.Enabled {
			continue
		}
		if o.PeriodMs > 0 {
			phase := math.Mod(t*1000, o.PeriodMs) / o.PeriodMs
			if phase*100 < o.DutyPercent {
				v += s.opts.PulseHigh
			}
		} else if o.FrequencyHz > 0 {
			v += o.Amplitude * math.Sin(2*math.Pi*o.FrequencyHz*t)
		}
	}
	return v
}

// EndRead implements scopeacq.HardwareSession.
func (s *Scope) EndRead() error {
	err := s.enter(OpEndRead)
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.req == nil {
		return errors.New("no read request is open")
	}
	s.req = nil
	return nil
}

func (s *Scope) outputFor(ch scopeacq.OutputChannel) (*output, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("no stimulus output %d", ch)
	}
	return &s.outputs[ch-1], nil
}

// SetStimulusEnabled implements scopeacq.HardwareSession.
func (s *Scope) SetStimulusEnabled(ch scopeacq.OutputChannel, on bool) error {
	err := s.enter(OpSetStimulusEnabled)
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	o, err := s.outputFor(ch)
	if err != nil {
		return err
	}
	if o.Enabled != on {
		state := "off"
		if on {
			state = "on"
		}
		s.enableLog = append(s.enableLog, fmt.Sprintf("%v %s", ch, state))
	}
	o.Enabled = on
	return nil
}

// SetStimulusFrequency implements scopeacq.HardwareSession.
func (s *Scope) SetStimulusFrequency(ch scopeacq.OutputChannel, hz float64) error {
	err := s.enter(OpSetStimulusFreq)
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	o, err := s.outputFor(ch)
	if err != nil {
		return err
	}
	o.FrequencyHz = hz
	o.PeriodMs = 0
	return nil
}

// SetStimulusAmplitude implements scopeacq.HardwareSession.
func (s *Scope) SetStimulusAmplitude(ch scopeacq.OutputChannel, value float64) error {
	err := s.enter(OpSetStimulusAmpl)
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	o, err := s.outputFor(ch)
	if err != nil {
		return err
	}
	o.Amplitude = value
	return nil
}

// SetPulseDutyPercent implements scopeacq.HardwareSession.
func (s *Scope) SetPulseDutyPercent(ch scopeacq.OutputChannel, percent float64) error {
	err := s.enter(OpSetPulseDutyPercent)
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	o, err := s.outputFor(ch)
	if err != nil {
		return err
	}
	o.DutyPercent = percent
	return nil
}

// SetPulsePeriodMs implements scopeacq.HardwareSession.
func (s *Scope) SetPulsePeriodMs(ch scopeacq.OutputChannel, ms float64) error {
	err := s.enter(OpSetPulsePeriodMs)
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	o, err := s.outputFor(ch)
	if err != nil {
		return err
	}
	o.PeriodMs = ms
	o.FrequencyHz = 0
	return nil
}
