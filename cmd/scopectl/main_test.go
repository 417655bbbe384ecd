package main

import (
	"testing"

	"github.com/pulseox/scopeacq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest(t *testing.T) {
	method, params, err := request("configure", []string{"20000", "250"})
	require.NoError(t, err)
	assert.Equal(t, "ScopeControl.Configure", method)
	assert.Equal(t, &scopeacq.ConfigureArgs{SampleRateHz: 20000, SampleCount: 250}, params)

	method, params, err = request("channels", []string{"2", "4"})
	require.NoError(t, err)
	assert.Equal(t, "ScopeControl.ConfigureChannels", method)
	assert.Equal(t, &[]int{2, 4}, params)

	_, params, err = request("record", []string{"pause"})
	require.NoError(t, err)
	assert.Equal(t, &scopeacq.RecordingArgs{Enabled: true, Paused: true}, params)

	for _, bad := range [][]string{{"configure", "fast"}, {"channels", "x"}, {"record"}, {"launch"}} {
		_, _, err := request(bad[0], bad[1:])
		assert.Error(t, err, "command %v", bad)
	}
}

func TestStimulusArgs(t *testing.T) {
	configs, err := stimulusArgs([]string{"none"})
	require.NoError(t, err)
	assert.Empty(t, configs)

	configs, err = stimulusArgs([]string{"continuous", "1", "100", "5", "pulse", "3", "50", "10"})
	require.NoError(t, err)
	assert.Equal(t, []scopeacq.StimulusConfig{
		{Kind: "continuous", Channel: 1, FrequencyHz: 100, Amplitude: 5},
		{Kind: "pulse", Channel: 3, DutyPercent: 50, PeriodMs: 10},
	}, configs)

	_, err = stimulusArgs([]string{"pulse", "3", "150", "10"})
	assert.Error(t, err, "duty above 100%")
	_, err = stimulusArgs([]string{"pulse", "3"})
	assert.Error(t, err)
}
