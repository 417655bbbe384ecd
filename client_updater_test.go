package scopeacq_test

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/pulseox/scopeacq"
	"github.com/pulseox/scopeacq/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscriber(t *testing.T, port int) *zmq.Socket {
	t.Helper()
	sub, err := zmq.NewSocket(zmq.SUB)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	require.NoError(t, sub.SetSubscribe(""))
	require.NoError(t, sub.SetRcvtimeo(50*time.Millisecond))
	require.NoError(t, sub.Connect(fmt.Sprintf("tcp://localhost:%d", port)))
	return sub
}

// awaitConnection repeats send until sub receives something, as a PUB socket
// drops messages sent before the subscriber has joined.
func awaitConnection(t *testing.T, sub *zmq.Socket, send func()) {
	t.Helper()
	for range 100 {
		send()
		if _, err := sub.RecvMessageBytes(0); err == nil {
			return
		}
	}
	t.Fatal("subscriber never connected")
}

// nextTagged returns the next message whose first frame is tag.
func nextTagged(t *testing.T, sub *zmq.Socket, tag string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := sub.RecvMessageBytes(0)
		if err != nil {
			continue
		}
		require.Len(t, msg, 2)
		if string(msg[0]) == tag {
			return msg[1]
		}
	}
	t.Fatalf("no %s message received", tag)
	return nil
}

func TestPublisherSink(t *testing.T) {
	const statusPort, dataPort = 35611, 35612
	ps := scopeacq.NewPublisherSink(100)
	abort := make(chan struct{})
	done := make(chan error)
	go func() { done <- ps.RunClientUpdater(statusPort, dataPort, abort) }()
	defer func() {
		close(abort)
		assert.NoError(t, <-done)
	}()

	status := subscriber(t, statusPort)
	data := subscriber(t, dataPort)
	awaitConnection(t, status, func() { ps.Publish("HELLO", 0) })

	cfg := scopeacq.DefaultWorkerConfig()
	scopeacq.Deliver(ps, scopeacq.Event{Kind: scopeacq.RunningStateEvent, RunID: "r1", Running: true, Config: &cfg})
	var running scopeacq.RunningMessage
	require.NoError(t, json.Unmarshal(nextTagged(t, status, "RUNNING"), &running))
	assert.Equal(t, "r1", running.RunID)
	assert.True(t, running.Running)
	require.NotNil(t, running.Config)
	assert.Equal(t, 500, running.Config.SampleCount)

	scopeacq.Deliver(ps, scopeacq.Event{Kind: scopeacq.SampleRateEchoEvent, RunID: "r1", SampleRateHz: 9999})
	batch := scopeacq.Event{Kind: scopeacq.SampleBatchEvent, RunID: "r1", Cycle: 4, Channel: 2, Samples: []float64{1, 3}}
	awaitConnection(t, data, func() { scopeacq.Deliver(ps, batch) })

	var summary scopeacq.BatchSummary
	require.NoError(t, json.Unmarshal(nextTagged(t, status, "BATCH"), &summary))
	assert.Equal(t, scopeacq.BatchSummary{Channel: 2, Cycle: 4, N: 2, Min: 1, Max: 3, Mean: 2, RMS: math.Sqrt(5)}, summary)

	scopeacq.Deliver(ps, batch)
	frame := nextTagged(t, data, "ch2")
	decoded, err := wire.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.Batch{Channel: 2, Cycle: 4, SampleRateHz: 9999, Samples: []float64{1, 3}}, decoded)

	scopeacq.Deliver(ps, scopeacq.Event{Kind: scopeacq.ErrorEvent, RunID: "r1", Message: "usb gone"})
	var emsg scopeacq.ErrorMessage
	require.NoError(t, json.Unmarshal(nextTagged(t, status, "ERROR"), &emsg))
	assert.Equal(t, scopeacq.ErrorMessage{RunID: "r1", Message: "usb gone"}, emsg)
}

func TestPublisherDropsWhenFull(t *testing.T) {
	ps := scopeacq.NewPublisherSink(2)
	assert.True(t, ps.Publish("A", 1))
	assert.True(t, ps.Publish("B", 2))
	assert.False(t, ps.Publish("C", 3))
	ps.OnCycle(1)
	assert.Equal(t, uint64(2), ps.Dropped())
}
