// Package asyncbufio moves file I/O off the caller's goroutine: writes are
// copied onto a channel and a background goroutine feeds them to a large
// bufio.Writer, flushing periodically and on demand.
package asyncbufio

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("asyncbufio: write after close")

// Writer provides asynchronous writing to an underlying io.Writer.
// Unlike a lossy queue, Write blocks when the channel is full, so a slow disk
// pushes back on the caller instead of dropping data.
type Writer struct {
	writer        *bufio.Writer
	flushNow      chan chan error
	datachannel   chan []byte
	flushInterval time.Duration
	done          chan struct{}

	sync.Mutex // protects err and closed
	err        error
	closed     bool
	written    int64
}

// NewWriter creates a Writer with a bufferSize-byte bufio buffer, a queue of
// channelDepth pending writes, and a periodic flush every flushInterval.
func NewWriter(w io.Writer, bufferSize, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriterSize(w, bufferSize),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan chan error),
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
	go aw.writeLoop()
	return aw
}

// Write queues a copy of p for writing. The caller may reuse p on return.
// An error from an earlier background write is reported here.
func (aw *Writer) Write(p []byte) (int, error) {
	aw.Lock()
	if aw.closed {
		aw.Unlock()
		return 0, ErrClosed
	}
	if aw.err != nil {
		err := aw.err
		aw.Unlock()
		return 0, err
	}
	aw.Unlock()
	c := make([]byte, len(p))
	copy(c, p)
	aw.datachannel <- c
	return len(p), nil
}

// Written returns the number of bytes handed to the underlying writer so far.
func (aw *Writer) Written() int64 {
	aw.Lock()
	defer aw.Unlock()
	return aw.written
}

// Flush writes everything queued so far through to the underlying writer.
func (aw *Writer) Flush() error {
	aw.Lock()
	if aw.closed {
		aw.Unlock()
		return ErrClosed
	}
	aw.Unlock()
	reply := make(chan error)
	aw.flushNow <- reply
	return <-reply
}

// Close flushes remaining data and stops the background goroutine.
// It does not close the underlying writer. Close must not race with Write.
func (aw *Writer) Close() error {
	aw.Lock()
	if aw.closed {
		aw.Unlock()
		return ErrClosed
	}
	aw.closed = true
	aw.Unlock()
	close(aw.datachannel)
	<-aw.done
	aw.Lock()
	defer aw.Unlock()
	return aw.err
}

func (aw *Writer) setErr(err error) {
	if err == nil {
		return
	}
	aw.Lock()
	if aw.err == nil {
		aw.err = err
	}
	aw.Unlock()
}

func (aw *Writer) write(data []byte) {
	n, err := aw.writer.Write(data)
	aw.Lock()
	aw.written += int64(n)
	aw.Unlock()
	aw.setErr(err)
}

// writeLoop moves data from the channel to the buffered writer until the channel is closed.
func (aw *Writer) writeLoop() {
	defer close(aw.done)
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-aw.datachannel:
			if !ok {
				aw.setErr(aw.writer.Flush())
				return
			}
			aw.write(data)

		case reply := <-aw.flushNow:
			aw.flush()
			aw.Lock()
			err := aw.err
			aw.Unlock()
			reply <- err

		case <-ticker.C:
			aw.flush()
		}
	}
}

// flush empties the channel before flushing the buffered writer.
func (aw *Writer) flush() {
	for {
		select {
		case data, ok := <-aw.datachannel:
			if !ok {
				aw.setErr(aw.writer.Flush())
				return
			}
			aw.write(data)
		default:
			aw.setErr(aw.writer.Flush())
			return
		}
	}
}
