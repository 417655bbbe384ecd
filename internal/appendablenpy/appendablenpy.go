// Package appendablenpy writes one-dimensional float64 arrays in numpy's
// *.npy format, where the array can keep growing after the file is created.
// The shape field of the header is rewritten in place each time the file is
// synced, so a reader sees every sample written up to the last Sync.
package appendablenpy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pulseox/scopeacq/internal/asyncbufio"
	"github.com/pulseox/scopeacq/internal/getbytes"
)

// npy file header must be a multiple of 64 bytes
const headerUnits = 64

// shapeDigits is the width of the space-padded length field in the header.
const shapeDigits = 12

const preheaderSize = 10

// Writer appends float64 samples to a .npy file.
type Writer struct {
	file     *os.File
	buffered *asyncbufio.Writer
	shapePtr int64
	written  int
	closed   bool
}

// Create makes a new, empty .npy file of little-endian float64 values at path.
func Create(path string) (*Writer, error) {
	fp, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	header, shapePtr := makeHeader("'<f8'")
	if _, err := fp.Write(header); err != nil {
		fp.Close()
		return nil, err
	}
	return &Writer{
		file:     fp,
		buffered: asyncbufio.NewWriter(fp, 1024, time.Second),
		shapePtr: int64(shapePtr),
	}, nil
}

func makeHeader(dtype string) ([]byte, int) {
	header := []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0x00, 0, 0}
	header = fmt.Appendf(header, "{'descr': %s, 'fortran_order': False, 'shape': (", dtype)
	shapePtr := len(header)
	header = fmt.Appendf(header, "%-*d,), }", shapeDigits, 0)

	// Header size (after the preheader) goes in bytes 8-9, little-endian.
	nunits := (len(header) + headerUnits) / headerUnits
	headerSize := nunits*headerUnits - preheaderSize
	header[8] = byte(headerSize % 256)
	header[9] = byte(headerSize / 256)

	// Pad with spaces plus one newline to the promised size
	for len(header) < headerSize+preheaderSize-1 {
		header = append(header, ' ')
	}
	header = append(header, '\n')
	return header, shapePtr
}

// Append queues samples to be written.
func (w *Writer) Append(samples []float64) error {
	if w.closed {
		return asyncbufio.ErrClosed
	}
	if len(samples) == 0 {
		return nil
	}
	if _, err := w.buffered.Write(getbytes.FromSlice(samples)); err != nil {
		return err
	}
	w.written += len(samples)
	return nil
}

// Len is the number of samples appended so far.
func (w *Writer) Len() int {
	return w.written
}

// Sync writes all queued samples and updates the header to count them.
func (w *Writer) Sync() error {
	if w.closed {
		return asyncbufio.ErrClosed
	}
	if err := w.buffered.Flush(); err != nil {
		return err
	}
	return w.writeShape()
}

func (w *Writer) writeShape() error {
	shape := fmt.Appendf(nil, "%-*d", shapeDigits, w.written)
	_, err := w.file.WriteAt(shape, w.shapePtr)
	return err
}

// Close writes all queued samples, finalizes the header and closes the file.
func (w *Writer) Close() error {
	if w.closed {
		return asyncbufio.ErrClosed
	}
	w.closed = true
	err := w.buffered.Close()
	if err == nil {
		err = w.writeShape()
	}
	return errors.Join(err, w.file.Close())
}
