// Package rundb records receiver activity, acquisitions and data files in a
// ClickHouse database. Every method is a no-op when the connection is absent,
// so the receiver runs identically with or without a database.
package rundb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Connection is a possibly-disconnected link to the run database.
type Connection struct {
	conn          clickhouse.Conn
	errLock       sync.Mutex
	err           error
	done          chan struct{} // closed when the handler exits
	activityEntry *ReceiverActivityMessage
	acqmsg        chan *AcquisitionMessage
	filemsg       chan *FileMessage
	sync.WaitGroup
}

const databaseName = "slsrecv"

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected reports whether inserts will reach the server.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.Err() == nil)
}

// Err returns the error that disconnected the database, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err
}

func (db *Connection) setErr(err error) {
	db.errLock.Lock()
	defer db.errLock.Unlock()
	db.err = err
}

// PingServer checks that the server at addr answers.
func PingServer(addr string) error {
	db := createConnection(addr)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %w", db.Err())
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// Start connects to the server at addr, logs the activity row, and handles
// messages until abort is closed. Call Wait after closing abort.
func Start(addr string, activity *ReceiverActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection(addr)
	db.activityEntry = activity
	if !db.IsConnected() {
		return db
	}
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// Disconnected returns a Connection that drops every message.
func Disconnected() *Connection {
	return &Connection{}
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("SLSRECV_DB_USER"),
		Password: os.Getenv("SLSRECV_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "slsrecv", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.setErr(err)
		return db
	}
	db.conn = conn

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.setErr(err)
		return db
	}
	db.Add(1)
	db.acqmsg = make(chan *AcquisitionMessage)
	db.filemsg = make(chan *FileMessage)
	db.done = make(chan struct{})
	return db
}

func (db *Connection) insert(query string, args ...any) {
	const wait = false
	if err := db.conn.AsyncInsert(context.Background(), query, wait, args...); err != nil {
		fmt.Println("Error raised on AsyncInsert:", err)
		db.setErr(err)
	}
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	ae := db.activityEntry
	db.insert(`INSERT INTO receiveractivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ae.ID, ae.Hostname, ae.Githash, ae.Version, ae.GoVersion, ae.CPUs,
		ae.Start.Format(timeFormat), ae.End.Format(timeFormat))
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	defer close(db.done)
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case m := <-db.acqmsg:
			db.handleAcquisitionMessage(m)
		case m := <-db.filemsg:
			db.handleFileMessage(m)
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() && db.activityEntry != nil {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
	if db.conn != nil {
		db.conn.Close()
	}
}

// post hands msg to the handler. It gives up, returning false, once the
// handler has exited.
func post[T any](db *Connection, ch chan<- T, msg T) bool {
	select {
	case ch <- msg:
		return true
	case <-db.done:
		return false
	}
}

// RecordAcquisition stores an acquisition row. It blocks until the handler
// accepts the message, so that the acquisition row precedes its file rows.
func (db *Connection) RecordAcquisition(msg *AcquisitionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	post(db, db.acqmsg, msg)
}

// FinishAcquisition stores the final version of an acquisition row.
func (db *Connection) FinishAcquisition(msg *AcquisitionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go post(db, db.acqmsg, msg)
}

// RecordFile stores a file row without blocking the caller.
func (db *Connection) RecordFile(msg *FileMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go post(db, db.filemsg, msg)
}

func (db *Connection) handleAcquisitionMessage(m *AcquisitionMessage) {
	if !db.IsConnected() {
		return
	}
	db.insert(`INSERT INTO acquisitions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, db.activityEntry.ID, m.Detector, m.Directory, m.FileName, m.FileIndex,
		m.Filtering, m.PacketsPerFrame, m.Writers, m.FramesCaught, m.MissingPackets,
		m.Start.Format(timeFormat), m.End.Format(timeFormat))
}

func (db *Connection) handleFileMessage(m *FileMessage) {
	if !db.IsConnected() {
		return
	}
	db.insert(`INSERT INTO files VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AcquisitionID, m.Filename, m.Filetype, m.WriterIndex,
		m.Start.Format(timeFormat), m.End.Format(timeFormat), m.Records, m.Size)
}
