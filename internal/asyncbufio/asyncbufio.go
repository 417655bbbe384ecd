// Package asyncbufio provides a buffered writer whose Write never blocks on
// the underlying file. Data is queued and written by a background goroutine.
package asyncbufio

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a Writer after Close.
var ErrClosed = errors.New("asyncbufio: writer is closed")

// Writer provides asynchronous writing to an underlying io.Writer using buffered channels.
type Writer struct {
	writer        *bufio.Writer // Buffered writer: this does the writing
	flushNow      chan struct{} // Channel to signal the underlying writer to flush itself
	flushComplete chan struct{} // Channel to signal underlying writer flush is complete
	datachannel   chan []byte   // Channel to hold data before writing it
	flushInterval time.Duration // Interval for flushing the writer periodically

	mu     sync.Mutex // guards err and closed
	err    error      // first error from the underlying writer
	closed bool
}

// NewWriter creates a new Writer instance.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}

	go aw.writeLoop()
	return aw
}

// Write queues a copy of p for later writing. It returns io.ErrShortWrite if
// the queue is full, or the first error the background writer has met.
func (aw *Writer) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, ErrClosed
	}
	if aw.err != nil {
		return 0, aw.err
	}
	// Callers may reuse p (e.g. a view of a sample slice), so queue a copy.
	data := append([]byte(nil), p...)
	select {
	case aw.datachannel <- data:
		return len(p), nil
	default:
		return 0, io.ErrShortWrite
	}
}

// Flush writes all queued data to the underlying writer and blocks until done.
func (aw *Writer) Flush() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return ErrClosed
	}
	aw.mu.Unlock()
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return aw.Err()
}

// Err returns the first error met while writing, if any.
func (aw *Writer) Err() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.err
}

// Close flushes remaining data and waits for the background goroutine to finish.
// Closing twice returns ErrClosed.
func (aw *Writer) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return ErrClosed
	}
	aw.closed = true
	aw.mu.Unlock()
	close(aw.flushNow) // Closing the flushNow channel signals the writeLoop to exit
	<-aw.flushComplete
	return aw.Err()
}

func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)

		case _, ok := <-aw.flushNow:
			aw.flush()
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

func (aw *Writer) write(data []byte) {
	if _, err := aw.writer.Write(data); err != nil {
		aw.setErr(err)
	}
}

func (aw *Writer) setErr(err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.err == nil {
		aw.err = err
	}
}

// flush empties the datachannel before calling the underlying writer's Flush.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)
		default:
			if err := aw.writer.Flush(); err != nil {
				aw.setErr(err)
			}
			return
		}
	}
}
