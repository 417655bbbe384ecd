package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pulseox/scopeacq"
	"github.com/pulseox/scopeacq/simscope"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeFileExist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	name, err := makeFileExist(dir, "x.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "x.log"), name)
	assert.FileExists(t, name)

	require.NoError(t, os.WriteFile(name, []byte("keep"), 0644))
	_, err = makeFileExist(dir, "x.log")
	require.NoError(t, err)
	contents, _ := os.ReadFile(name)
	assert.Equal(t, "keep", string(contents), "an existing file is left alone")
}

func TestSetupViperWithConfigFile(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	t.Setenv("HOME", t.TempDir())
	file := filepath.Join(t.TempDir(), "scope.yaml")
	settings := `
ports:
  base: 6100
worker:
  sampleratehz: 2000
  samplecount: 40
  channels: [1, 3]
stimuli:
  - kind: continuous
    channel: 1
    frequencyhz: 100
    amplitude: 5
simscope:
  shortby: 2
`
	require.NoError(t, os.WriteFile(file, []byte(settings), 0644))
	require.NoError(t, setupViper(file))

	assert.Equal(t, 6100, viper.GetInt("ports.base"))
	assert.Equal(t, scopeacq.DefaultQueueLimit, viper.GetInt("queuelimit"))
	cfg, stimuli, err := scopeacq.LoadWorkerConfig(viper.GetViper())
	require.NoError(t, err)
	assert.Equal(t, 2000.0, cfg.SampleRateHz)
	assert.Equal(t, []scopeacq.InputChannel{1, 3}, cfg.Channels)
	assert.Equal(t, []scopeacq.StimulusSpec{scopeacq.Continuous{Channel: 1, FrequencyHz: 100, Amplitude: 5}}, stimuli)

	sim := simscopeOptions()
	assert.Equal(t, 2, sim.ShortBy)
	assert.True(t, sim.RealTime)
	assert.Equal(t, simscope.DefaultOptions().MaxSampleRate, sim.MaxSampleRate)
}
