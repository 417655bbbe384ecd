package scopeacq_test

import (
	"testing"

	"github.com/pulseox/scopeacq"
	"github.com/pulseox/scopeacq/internal/rundb"
	"github.com/pulseox/scopeacq/simscope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunDB struct {
	started  []rundb.RunMessage
	finished []rundb.RunMessage
}

func (f *fakeRunDB) RecordRun(msg *rundb.RunMessage) { f.started = append(f.started, *msg) }
func (f *fakeRunDB) FinishRun(msg *rundb.RunMessage) { f.finished = append(f.finished, *msg) }

func TestRunLogRecordsEachRun(t *testing.T) {
	var scope *simscope.Scope
	w := stoppingWorker(simscope.DefaultOptions(), 4, &scope) // two channels: two reads per cycle
	defer w.Close()
	require.NoError(t, w.Configure(5000, 20))
	require.NoError(t, w.ConfigureChannels(1, 2))
	require.NoError(t, w.ConfigureStimuli(scopeacq.Continuous{Channel: 1, FrequencyHz: 100, Amplitude: 5}))

	db := &fakeRunDB{}
	rl := scopeacq.NewRunLogSink(db)
	require.NoError(t, w.Start())
	for _, e := range nextRun(t, w) {
		scopeacq.Deliver(rl, e)
	}

	require.Len(t, db.started, 1)
	require.Len(t, db.finished, 1)
	start, end := db.started[0], db.finished[0]
	assert.Equal(t, w.RunID(), start.ID)
	assert.Equal(t, 5000.0, start.SampleRateRequested)
	assert.Equal(t, 20, start.SampleCount)
	assert.Equal(t, []uint8{1, 2}, start.Channels)
	assert.Contains(t, start.Stimuli, `"Kind":"continuous"`)
	assert.Zero(t, start.Cycles)

	assert.Equal(t, start.ID, end.ID)
	assert.Equal(t, 5000.0, end.SampleRateEchoed)
	assert.Equal(t, 2, end.Cycles)
	assert.Empty(t, end.Error)
	assert.False(t, end.End.Before(end.Start))
}

func TestRunLogRecordsFirstError(t *testing.T) {
	db := &fakeRunDB{}
	rl := scopeacq.NewRunLogSink(db)
	rl.OnError("ignored: no run")
	scopeacq.Deliver(rl, scopeacq.Event{Kind: scopeacq.RunningStateEvent, Running: true, RunID: "r"})
	rl.OnError("first")
	rl.OnError("second")
	rl.OnRunningStateChanged(false)
	rl.OnRunningStateChanged(false)
	require.Len(t, db.finished, 1)
	assert.Equal(t, "first", db.finished[0].Error)
}

func TestActivityMessage(t *testing.T) {
	a := scopeacq.NewActivityMessage()
	assert.Len(t, a.ID, 26)
	assert.Equal(t, scopeacq.Build.Version, a.Version)
	assert.Positive(t, a.CPUs)
}
