package scopeacq

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig holds the acquisition settings applied at the start of each run.
type WorkerConfig struct {
	SampleRateHz     float64
	SampleCount      int            // samples requested per channel per cycle
	Channels         []InputChannel // read in this order every cycle
	ReadGrace        time.Duration  // added to the nominal read duration to get the read timeout
	StrictSampleRate bool           // reject a run if the device cannot use SampleRateHz exactly
}

// DefaultWorkerConfig returns 500 samples at 10 kHz from channel 1.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		SampleRateHz: 10000,
		SampleCount:  500,
		Channels:     []InputChannel{1},
		ReadGrace:    time.Second,
	}
}

// Validate checks every field, returning a *ConfigurationError for the first bad one.
func (c WorkerConfig) Validate() error {
	if !(c.SampleRateHz > 0) || math.IsInf(c.SampleRateHz, 0) {
		return configError("samplerate", c.SampleRateHz, "must be positive and finite")
	}
	if c.SampleCount <= 0 {
		return configError("samplecount", c.SampleCount, "must be positive")
	}
	if len(c.Channels) == 0 {
		return configError("channels", c.Channels, "at least one input channel is required")
	}
	seen := make(map[InputChannel]bool)
	for _, ch := range c.Channels {
		if !ch.Valid() {
			return configError("channels", int(ch), "must be 1-%d", NumInputChannels)
		}
		if seen[ch] {
			return configError("channels", int(ch), "listed twice")
		}
		seen[ch] = true
	}
	if c.ReadGrace < 0 {
		return configError("readgrace", c.ReadGrace, "must not be negative")
	}
	return nil
}

// ReadTimeout is the longest a single read may wait for a sample: the nominal
// duration of the whole request plus ReadGrace.
func (c WorkerConfig) ReadTimeout() time.Duration {
	nominal := time.Duration(float64(c.SampleCount) / c.SampleRateHz * float64(time.Second))
	return nominal + c.ReadGrace
}

// channelMask converts the channel list into the bulk enable form.
func (c WorkerConfig) channelMask() [NumInputChannels]bool {
	var mask [NumInputChannels]bool
	for _, ch := range c.Channels {
		if ch.Valid() {
			mask[ch-1] = true
		}
	}
	return mask
}

func (c WorkerConfig) clone() WorkerConfig {
	c.Channels = append([]InputChannel(nil), c.Channels...)
	return c
}

// LoadWorkerConfig reads the "worker" and "stimuli" sections from v, starting
// from DefaultWorkerConfig. Both the config and the stimuli are validated.
func LoadWorkerConfig(v *viper.Viper) (WorkerConfig, []StimulusSpec, error) {
	cfg := DefaultWorkerConfig()
	if err := v.UnmarshalKey("worker", &cfg); err != nil {
		return cfg, nil, fmt.Errorf("reading worker config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	var stimconfigs []StimulusConfig
	if err := v.UnmarshalKey("stimuli", &stimconfigs); err != nil {
		return cfg, nil, fmt.Errorf("reading stimuli config: %w", err)
	}
	specs := make([]StimulusSpec, 0, len(stimconfigs))
	for _, sc := range stimconfigs {
		spec, err := sc.Spec()
		if err != nil {
			return cfg, nil, err
		}
		specs = append(specs, spec)
	}
	if err := checkDistinctOutputs(specs); err != nil {
		return cfg, nil, err
	}
	return cfg, specs, nil
}

// StoreWorkerConfig puts cfg and specs into v under the keys LoadWorkerConfig reads.
func StoreWorkerConfig(v *viper.Viper, cfg WorkerConfig, specs []StimulusSpec) {
	channels := make([]int, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		channels[i] = int(ch)
	}
	v.Set("worker", map[string]any{
		"sampleratehz":     cfg.SampleRateHz,
		"samplecount":      cfg.SampleCount,
		"channels":         channels,
		"readgrace":        cfg.ReadGrace.String(),
		"strictsamplerate": cfg.StrictSampleRate,
	})
	stims := make([]map[string]any, len(specs))
	for i, spec := range specs {
		sc := StimulusConfigOf(spec)
		stims[i] = map[string]any{
			"kind":        sc.Kind,
			"channel":     sc.Channel,
			"frequencyhz": sc.FrequencyHz,
			"amplitude":   sc.Amplitude,
			"dutypercent": sc.DutyPercent,
			"periodms":    sc.PeriodMs,
		}
	}
	v.Set("stimuli", stims)
}
