package scopeacq

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// StimulusSpec selects what a stimulus output emits while a read window is open.
// The two variants are Continuous and PulseWave.
type StimulusSpec interface {
	Output() OutputChannel
	Validate() error
	apply(hw StimulusController) error
}

// Continuous drives an output with a continuous waveform.
type Continuous struct {
	Channel     OutputChannel
	FrequencyHz float64
	Amplitude   float64
}

// Output returns the stimulus output this spec drives.
func (c Continuous) Output() OutputChannel { return c.Channel }

// Validate checks the output number, frequency and amplitude.
func (c Continuous) Validate() error {
	if !c.Channel.Valid() {
		return configError("stimulus.channel", int(c.Channel), "must be 1-%d", NumOutputChannels)
	}
	if !(c.FrequencyHz > 0) || math.IsInf(c.FrequencyHz, 0) {
		return configError("stimulus.frequencyhz", c.FrequencyHz, "must be positive and finite")
	}
	if c.Amplitude < 0 || math.IsNaN(c.Amplitude) || math.IsInf(c.Amplitude, 0) {
		return configError("stimulus.amplitude", c.Amplitude, "must be non-negative and finite")
	}
	return nil
}

func (c Continuous) apply(hw StimulusController) error {
	if err := hw.SetStimulusFrequency(c.Channel, c.FrequencyHz); err != nil {
		return deviceError("set stimulus frequency", int(c.Channel), err)
	}
	if err := hw.SetStimulusAmplitude(c.Channel, c.Amplitude); err != nil {
		return deviceError("set stimulus amplitude", int(c.Channel), err)
	}
	return nil
}

func (c Continuous) String() string {
	return fmt.Sprintf("continuous %v %.4g Hz amplitude %.4g", c.Channel, c.FrequencyHz, c.Amplitude)
}

// PulseWave drives an output with a duty-cycled pulse train.
type PulseWave struct {
	Channel     OutputChannel
	DutyPercent float64
	PeriodMs    float64
}

// Output returns the stimulus output this spec drives.
func (p PulseWave) Output() OutputChannel { return p.Channel }

// Validate checks the output number, duty cycle and period.
func (p PulseWave) Validate() error {
	if !p.Channel.Valid() {
		return configError("stimulus.channel", int(p.Channel), "must be 1-%d", NumOutputChannels)
	}
	if !(p.DutyPercent >= 0 && p.DutyPercent <= 100) {
		return configError("stimulus.dutypercent", p.DutyPercent, "must be in [0, 100]")
	}
	if !(p.PeriodMs > 0) || math.IsInf(p.PeriodMs, 0) {
		return configError("stimulus.periodms", p.PeriodMs, "must be positive and finite")
	}
	return nil
}

func (p PulseWave) apply(hw StimulusController) error {
	if err := hw.SetPulseDutyPercent(p.Channel, p.DutyPercent); err != nil {
		return deviceError("set pulse duty", int(p.Channel), err)
	}
	if err := hw.SetPulsePeriodMs(p.Channel, p.PeriodMs); err != nil {
		return deviceError("set pulse period", int(p.Channel), err)
	}
	return nil
}

func (p PulseWave) String() string {
	return fmt.Sprintf("pulse %v %.4g%% every %.4g ms", p.Channel, p.DutyPercent, p.PeriodMs)
}

// StimulusConfig is the flat form of a StimulusSpec used in config files and RPC calls.
type StimulusConfig struct {
	Kind        string // "continuous" or "pulse"
	Channel     int
	FrequencyHz float64
	Amplitude   float64
	DutyPercent float64
	PeriodMs    float64
}

// Spec converts the flat config into a validated StimulusSpec.
func (sc StimulusConfig) Spec() (StimulusSpec, error) {
	var spec StimulusSpec
	switch strings.ToLower(sc.Kind) {
	case "continuous", "sine", "ax":
		spec = Continuous{Channel: OutputChannel(sc.Channel), FrequencyHz: sc.FrequencyHz, Amplitude: sc.Amplitude}
	case "pulse", "pulsewave", "p":
		spec = PulseWave{Channel: OutputChannel(sc.Channel), DutyPercent: sc.DutyPercent, PeriodMs: sc.PeriodMs}
	default:
		return nil, configError("stimulus.kind", sc.Kind, "must be continuous or pulse")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// StimulusConfigOf is the inverse of StimulusConfig.Spec.
func StimulusConfigOf(spec StimulusSpec) StimulusConfig {
	switch s := spec.(type) {
	case Continuous:
		return StimulusConfig{Kind: "continuous", Channel: int(s.Channel), FrequencyHz: s.FrequencyHz, Amplitude: s.Amplitude}
	case PulseWave:
		return StimulusConfig{Kind: "pulse", Channel: int(s.Channel), DutyPercent: s.DutyPercent, PeriodMs: s.PeriodMs}
	}
	return StimulusConfig{}
}

// ScopedStimulus holds one stimulus output on for the duration of a read window.
// It remembers whether the output was actually enabled, and Close disables it
// only in that case, exactly once.
type ScopedStimulus struct {
	hw      StimulusController
	spec    StimulusSpec
	enabled bool
	closed  bool
}

// OpenStimulus enables the output named by spec and then applies its parameters.
// If a parameter cannot be set, the output is disabled again before the error
// is returned.
func OpenStimulus(hw StimulusController, spec StimulusSpec) (*ScopedStimulus, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	s := &ScopedStimulus{hw: hw, spec: spec}
	ch := spec.Output()
	if err := hw.SetStimulusEnabled(ch, true); err != nil {
		return nil, deviceError("enable stimulus", int(ch), err)
	}
	s.enabled = true
	if err := spec.apply(hw); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

// Spec returns the stimulus this window applies.
func (s *ScopedStimulus) Spec() StimulusSpec { return s.spec }

// Close disables the output if this window enabled it. Calls after the first do nothing.
func (s *ScopedStimulus) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	if !s.enabled {
		return nil
	}
	s.enabled = false
	ch := s.spec.Output()
	return deviceError("disable stimulus", int(ch), s.hw.SetStimulusEnabled(ch, false))
}

// WithStimuli opens one window per spec (in order), runs fn, and closes every
// opened window in reverse order. The windows are closed whether fn returns
// normally, returns an error or panics. Close errors are joined to the result.
func WithStimuli(hw StimulusController, specs []StimulusSpec, fn func() error) (err error) {
	if err := checkDistinctOutputs(specs); err != nil {
		return err
	}
	opened := make([]*ScopedStimulus, 0, len(specs))
	defer func() {
		for i := len(opened) - 1; i >= 0; i-- {
			if cerr := opened[i].Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	}()
	for _, spec := range specs {
		s, oerr := OpenStimulus(hw, spec)
		if oerr != nil {
			return oerr
		}
		opened = append(opened, s)
	}
	return fn()
}

// checkDistinctOutputs enforces one open window per output.
func checkDistinctOutputs(specs []StimulusSpec) error {
	seen := make(map[OutputChannel]bool)
	for _, spec := range specs {
		if spec == nil {
			return configError("stimuli", nil, "nil stimulus")
		}
		ch := spec.Output()
		if seen[ch] {
			return configError("stimulus.channel", int(ch), "output used by more than one stimulus")
		}
		seen[ch] = true
	}
	return nil
}
