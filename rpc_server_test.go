package scopeacq_test

import (
	"fmt"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pulseox/scopeacq"
	"github.com/pulseox/scopeacq/simscope"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleClient(port int) (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", port)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

type rpcFixture struct {
	client   *rpc.Client
	worker   *scopeacq.AcquisitionWorker
	snapshot *scopeacq.SnapshotSink
	settings *viper.Viper
	dir      string
}

func startServer(t *testing.T, port int) *rpcFixture {
	t.Helper()
	f := &rpcFixture{dir: t.TempDir()}
	f.settings = viper.New()
	f.settings.SetConfigFile(filepath.Join(f.dir, "config.yaml"))
	require.NoError(t, os.WriteFile(f.settings.ConfigFileUsed(), nil, 0644))

	opts := simscope.DefaultOptions()
	opts.RealTime = true
	f.worker = scopeacq.NewAcquisitionWorker(simscope.Factory(opts, nil))
	f.snapshot = scopeacq.NewSnapshotSink()
	recorder := scopeacq.NewRecorderSink(filepath.Join(f.dir, "data"))
	publisher := scopeacq.NewPublisherSink(100)
	sc := scopeacq.NewScopeControl(f.worker, f.snapshot, recorder, publisher, f.settings)

	abort := make(chan struct{})
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		scopeacq.Dispatch(t.Context(), f.worker.Events(), scopeacq.MultiSink{f.snapshot, recorder, publisher})
	}()
	served := make(chan error, 1)
	go func() { served <- scopeacq.RunRPCServer(sc, port, abort) }()

	client, err := simpleClient(port)
	require.NoError(t, err, "could not connect simpleClient() to RPC server")
	f.client = client
	t.Cleanup(func() {
		client.Close()
		close(abort)
		f.worker.Close()
		<-dispatched
		assert.NoError(t, <-served)
	})
	return f
}

func (f *rpcFixture) status(t *testing.T) scopeacq.ServerStatus {
	t.Helper()
	var status scopeacq.ServerStatus
	dummy := ""
	require.NoError(t, f.client.Call("ScopeControl.Status", &dummy, &status))
	return status
}

func TestServerConfigure(t *testing.T) {
	f := startServer(t, 35621)
	var okay bool

	err := f.client.Call("ScopeControl.Configure", &scopeacq.ConfigureArgs{SampleRateHz: 20000, SampleCount: 100}, &okay)
	require.NoError(t, err)
	assert.True(t, okay)

	err = f.client.Call("ScopeControl.ConfigureChannels", []int{2, 1}, &okay)
	require.NoError(t, err)

	stimuli := []scopeacq.StimulusConfig{{Kind: "pulse", Channel: 3, DutyPercent: 25, PeriodMs: 4}}
	require.NoError(t, f.client.Call("ScopeControl.ConfigureStimuli", stimuli, &okay))
	require.NoError(t, f.client.Call("ScopeControl.ConfigureTiming", &scopeacq.ReadGraceArgs{ReadGraceMs: 250}, &okay))

	status := f.status(t)
	assert.Equal(t, "Idle", status.State)
	assert.Equal(t, 20000.0, status.SampleRateHz)
	assert.Equal(t, 100, status.SampleCount)
	assert.Equal(t, []int{2, 1}, status.Channels)
	assert.Equal(t, stimuli, status.Stimuli)

	// Bad values are rejected and leave the configuration alone.
	err = f.client.Call("ScopeControl.Configure", &scopeacq.ConfigureArgs{SampleRateHz: -1, SampleCount: 100}, &okay)
	assert.Error(t, err)
	err = f.client.Call("ScopeControl.ConfigureChannels", []int{5}, &okay)
	assert.Error(t, err)
	bad := []scopeacq.StimulusConfig{{Kind: "sawtooth", Channel: 1}}
	assert.Error(t, f.client.Call("ScopeControl.ConfigureStimuli", bad, &okay))
	assert.Equal(t, 20000.0, f.status(t).SampleRateHz)

	// Every accepted change was written to the config file.
	saved := viper.New()
	saved.SetConfigFile(f.settings.ConfigFileUsed())
	require.NoError(t, saved.ReadInConfig())
	cfg, specs, err := scopeacq.LoadWorkerConfig(saved)
	require.NoError(t, err)
	assert.Equal(t, 20000.0, cfg.SampleRateHz)
	assert.Equal(t, []scopeacq.InputChannel{2, 1}, cfg.Channels)
	assert.Equal(t, 250*time.Millisecond, cfg.ReadGrace)
	require.Len(t, specs, 1)
	assert.Equal(t, scopeacq.PulseWave{Channel: 3, DutyPercent: 25, PeriodMs: 4}, specs[0])
}

func TestServerStartStopSnapshot(t *testing.T) {
	f := startServer(t, 35622)
	var okay bool
	dummy := ""

	var path string
	assert.Error(t, f.client.Call("ScopeControl.SaveSnapshot", &dummy, &path), "no data yet")

	require.NoError(t, f.client.Call("ScopeControl.Configure", &scopeacq.ConfigureArgs{SampleRateHz: 10000, SampleCount: 50}, &okay))
	require.NoError(t, f.client.Call("ScopeControl.Start", &dummy, &okay))
	assert.True(t, okay)
	require.NoError(t, f.client.Call("ScopeControl.Start", &dummy, &okay), "second Start is a no-op")

	require.Eventually(t, func() bool {
		_, _, err := f.snapshot.Latest()
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, f.status(t).Running)

	require.NoError(t, f.client.Call("ScopeControl.Stop", &dummy, &okay))
	assert.True(t, okay)
	f.worker.Wait()
	assert.Equal(t, "Idle", f.status(t).State)
	require.NoError(t, f.client.Call("ScopeControl.Stop", &dummy, &okay), "Stop while idle is a no-op")

	want := filepath.Join(f.dir, "snap.npy")
	require.NoError(t, f.client.Call("ScopeControl.SaveSnapshot", &want, &path))
	assert.Equal(t, want, path)
	assert.FileExists(t, want)

	require.NoError(t, f.client.Call("ScopeControl.SendAllStatus", &dummy, &okay))
	rec := scopeacq.RecordingArgs{Enabled: true}
	require.NoError(t, f.client.Call("ScopeControl.ConfigureRecording", &rec, &okay))
	assert.True(t, f.status(t).Recording.Enabled)
}
