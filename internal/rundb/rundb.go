// Package rundb records server activity and acquisition runs in a ClickHouse
// database. Every method is a no-op on a connection that is not connected, so
// the server runs normally when no database is available.
package rundb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// DefaultDatabase is the SQL name of the database.
const DefaultDatabase = "scopeacq"

const timeLayout = "2006-01-02 15:04:05.000000"

// Options says where the database server is. Empty Username and Password are
// taken from the environment variables SCOPEACQ_DB_USER and SCOPEACQ_DB_PASSWORD.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Version  string // reported to the server as the client version
}

// DefaultOptions connects to a server on localhost.
func DefaultOptions() Options {
	return Options{Addr: "localhost:9000", Database: DefaultDatabase}
}

// Connection is a connection to the run database.
type Connection struct {
	conn     clickhouse.Conn
	err      error
	activity *ActivityMessage
	runmsg   chan *RunMessage
	abort    <-chan struct{}
	sync.WaitGroup
}

// IsConnected tells whether the connection is open and has not failed.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the error that broke the connection, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// PingServer checks that a database server answers, and returns its version.
func PingServer(opts Options) (string, error) {
	db := createConnection(opts)
	if !db.IsConnected() {
		if db.err != nil {
			return "", db.err
		}
		return "", fmt.Errorf("database is not connected")
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// StartConnection connects, creates the tables if needed, records the start of
// this server's activity, and handles run messages until abort is closed.
// The returned connection may be disconnected; check IsConnected or Err.
func StartConnection(opts Options, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection(opts)
	db.activity = activity
	db.abort = abort
	if db.IsConnected() {
		db.err = db.createTables(context.Background())
	}
	db.logActivity()
	if db.IsConnected() {
		db.Add(1)
		go db.handleConnection(abort)
	}
	return db
}

// DummyConnection returns a connection that records nothing.
func DummyConnection() *Connection {
	return &Connection{}
}

func createConnection(opts Options) *Connection {
	db := &Connection{}
	if opts.Username == "" {
		opts.Username = os.Getenv("SCOPEACQ_DB_USER")
	}
	if opts.Password == "" {
		opts.Password = os.Getenv("SCOPEACQ_DB_PASSWORD")
	}
	if opts.Database == "" {
		opts.Database = DefaultDatabase
	}
	if opts.Version == "" {
		opts.Version = "unknown"
	}
	opt := clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "scopeacq", Version: opts.Version},
			},
		},
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			err = fmt.Errorf("exception [%d] %s: %w", exception.Code, exception.Message, err)
		}
		db.err = err
		conn.Close()
		return db
	}
	db.runmsg = make(chan *RunMessage)
	return db
}

var tableDefinitions = []string{
	`CREATE TABLE IF NOT EXISTS activity (
		ID String, Hostname String, Githash String, Version String,
		GoVersion String, CPUs UInt16, Start DateTime64(6), End DateTime64(6)
	) ENGINE = ReplacingMergeTree(End) ORDER BY ID`,
	`CREATE TABLE IF NOT EXISTS runs (
		ID String, ActivityID String,
		SampleRateRequested Float64, SampleRateEchoed Float64, SampleCount UInt32,
		Channels Array(UInt8), Stimuli String, Cycles UInt64, Error String,
		Start DateTime64(6), End DateTime64(6)
	) ENGINE = ReplacingMergeTree(End) ORDER BY ID`,
}

func (db *Connection) createTables(ctx context.Context) error {
	for _, ddl := range tableDefinitions {
		if err := db.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("cannot create table: %w", err)
		}
	}
	return nil
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activity == nil {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activity
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO activity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeLayout), ae.End.Format(timeLayout),
	); err != nil {
		db.err = fmt.Errorf("insert into activity: %w", err)
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		}
	}
}

// disconnect records the end of this server's activity and closes the connection.
func (db *Connection) disconnect() {
	if db.IsConnected() {
		db.activity.End = time.Now()
		db.logActivity()
	}
	if db.conn != nil {
		db.conn.Close()
	}
}

// RecordRun stores the start of a run. It blocks until the message is
// accepted, so that a run is always entered before its FinishRun.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun stores the end of a run. It does not wait for the database.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if msg.End.IsZero() {
		msg.End = time.Now()
	}
	go func() {
		select {
		case db.runmsg <- msg:
		case <-db.abort:
		}
	}()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	activityID := ""
	if db.activity != nil {
		activityID = db.activity.ID
	}
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, activityID, m.SampleRateRequested, m.SampleRateEchoed, m.SampleCount,
		m.Channels, m.Stimuli, m.Cycles, m.Error,
		m.Start.Format(timeLayout), m.End.Format(timeLayout),
	); err != nil {
		db.err = fmt.Errorf("insert into runs: %w", err)
	}
}
