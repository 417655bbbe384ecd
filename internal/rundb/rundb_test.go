package rundb

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyConnection(t *testing.T) {
	db := DummyConnection()
	assert.False(t, db.IsConnected())
	assert.NoError(t, db.Err())
	// None of these may block or panic without a server.
	db.RecordRun(&RunMessage{ID: "x"})
	db.FinishRun(&RunMessage{ID: "x"})
	db.RecordRun(nil)
	db.Wait()

	var nilconn *Connection
	assert.False(t, nilconn.IsConnected())
}

func TestNoServer(t *testing.T) {
	opts := DefaultOptions()
	opts.Addr = "localhost:1" // nothing listens here
	abort := make(chan struct{})
	defer close(abort)
	db := StartConnection(opts, &ActivityMessage{ID: "a"}, abort)
	assert.False(t, db.IsConnected())
	assert.Error(t, db.Err())
	db.RecordRun(&RunMessage{ID: "r"})
	db.Wait()
}

// TestConnection needs a ClickHouse server on localhost:9000 with a database
// named scopeacq; it is skipped otherwise.
func TestConnection(t *testing.T) {
	opts := DefaultOptions()
	if _, err := PingServer(opts); err != nil {
		t.Skipf("no ClickHouse server: %v", err)
	}
	abort := make(chan struct{})
	activity := &ActivityMessage{ID: ulid.Make().String(), Hostname: "test", Start: time.Now()}
	db := StartConnection(opts, activity, abort)
	require.True(t, db.IsConnected(), "error: %v", db.Err())

	run := &RunMessage{ID: ulid.Make().String(), SampleRateRequested: 1000, SampleCount: 10,
		Channels: []uint8{1, 2}, Start: time.Now()}
	db.RecordRun(run)
	finished := *run
	finished.Cycles = 3
	db.FinishRun(&finished)
	time.Sleep(200 * time.Millisecond)

	// Asynchronous inserts may not be visible yet, so only the query itself is checked.
	var n uint64
	row := db.conn.QueryRow(context.Background(), "SELECT count() FROM runs WHERE ID = ?", run.ID)
	require.NoError(t, row.Scan(&n))
	t.Logf("run %s has %d rows", run.ID, n)

	close(abort)
	db.Wait()
	assert.NoError(t, db.Err())
}
