package scopeacq_test

import (
	"strings"
	"testing"
	"time"

	"github.com/pulseox/scopeacq"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTimeout(t *testing.T) {
	cfg := scopeacq.DefaultWorkerConfig()
	cfg.SampleRateHz = 1000
	cfg.SampleCount = 250
	cfg.ReadGrace = 100 * time.Millisecond
	assert.Equal(t, 350*time.Millisecond, cfg.ReadTimeout())
}

func TestValidateWorkerConfig(t *testing.T) {
	assert.NoError(t, scopeacq.DefaultWorkerConfig().Validate())
	bad := map[string]func(*scopeacq.WorkerConfig){
		"samplerate":  func(c *scopeacq.WorkerConfig) { c.SampleRateHz = -1 },
		"samplecount": func(c *scopeacq.WorkerConfig) { c.SampleCount = 0 },
		"channels":    func(c *scopeacq.WorkerConfig) { c.Channels = []scopeacq.InputChannel{1, 2, 1} },
		"readgrace":   func(c *scopeacq.WorkerConfig) { c.ReadGrace = -time.Second },
	}
	for field, modify := range bad {
		cfg := scopeacq.DefaultWorkerConfig()
		modify(&cfg)
		var cerr *scopeacq.ConfigurationError
		if assert.ErrorAs(t, cfg.Validate(), &cerr, field) {
			assert.Equal(t, field, cerr.Field)
		}
	}
}

func TestLoadWorkerConfigFromYAML(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
worker:
  sampleratehz: 2000
  samplecount: 40
  channels: [3, 1]
  readgrace: 250ms
stimuli:
  - kind: continuous
    channel: 2
    frequencyhz: 60
    amplitude: 1.5
  - kind: pulse
    channel: 4
    dutypercent: 25
    periodms: 8
`)))
	cfg, stimuli, err := scopeacq.LoadWorkerConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, cfg.SampleRateHz)
	assert.Equal(t, 40, cfg.SampleCount)
	assert.Equal(t, []scopeacq.InputChannel{3, 1}, cfg.Channels)
	assert.Equal(t, 250*time.Millisecond, cfg.ReadGrace)
	assert.False(t, cfg.StrictSampleRate)
	assert.Equal(t, []scopeacq.StimulusSpec{
		scopeacq.Continuous{Channel: 2, FrequencyHz: 60, Amplitude: 1.5},
		scopeacq.PulseWave{Channel: 4, DutyPercent: 25, PeriodMs: 8},
	}, stimuli)
}

func TestLoadWorkerConfigDefaults(t *testing.T) {
	cfg, stimuli, err := scopeacq.LoadWorkerConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, scopeacq.DefaultWorkerConfig(), cfg)
	assert.Empty(t, stimuli)
}

func TestLoadWorkerConfigRejectsSharedOutput(t *testing.T) {
	v := viper.New()
	v.Set("stimuli", []map[string]any{
		{"kind": "continuous", "channel": 1, "frequencyhz": 10, "amplitude": 1},
		{"kind": "continuous", "channel": 1, "frequencyhz": 20, "amplitude": 1},
	})
	_, _, err := scopeacq.LoadWorkerConfig(v)
	var cerr *scopeacq.ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}

func TestStoreThenLoadWorkerConfig(t *testing.T) {
	cfg := scopeacq.WorkerConfig{
		SampleRateHz:     12500,
		SampleCount:      64,
		Channels:         []scopeacq.InputChannel{4, 2},
		ReadGrace:        1500 * time.Millisecond,
		StrictSampleRate: true,
	}
	specs := []scopeacq.StimulusSpec{scopeacq.PulseWave{Channel: 3, DutyPercent: 50, PeriodMs: 2}}
	v := viper.New()
	scopeacq.StoreWorkerConfig(v, cfg, specs)

	gotcfg, gotspecs, err := scopeacq.LoadWorkerConfig(v)
	require.NoError(t, err)
	assert.Equal(t, cfg, gotcfg)
	assert.Equal(t, specs, gotspecs)
}
