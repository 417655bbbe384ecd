// Package wire encodes sample batches for the data publisher socket.
//
// A frame is a fixed 32-byte little-endian header followed by the samples as
// raw little-endian float64 values:
//
//	offset size field
//	0      4    magic "SQB1"
//	4      1    version
//	5      1    channel number (1-4)
//	6      2    reserved, zero
//	8      8    cycle counter (uint64)
//	16     4    number of samples (uint32)
//	20     4    reserved, zero
//	24     8    sample rate in Hz (float64)
//	32     8*n  samples
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/pulseox/scopeacq/internal/getbytes"
)

// Magic identifies a batch frame.
const Magic = "SQB1"

// Version is the frame format version written by Encode.
const Version uint8 = 1

// HeaderLength is the size of the fixed frame header in bytes.
const HeaderLength = 32

// ErrShortFrame is returned when a frame is smaller than its header says.
var ErrShortFrame = errors.New("wire: frame is too short")

// Batch is the decoded content of one frame.
type Batch struct {
	Channel      int
	Cycle        uint64
	SampleRateHz float64
	Samples      []float64
}

// Encode returns the frame for b.
func Encode(b Batch) ([]byte, error) {
	if b.Channel < 0 || b.Channel > math.MaxUint8 {
		return nil, fmt.Errorf("wire: channel %d out of range", b.Channel)
	}
	if uint64(len(b.Samples)) > math.MaxUint32 {
		return nil, fmt.Errorf("wire: %d samples do not fit in a frame", len(b.Samples))
	}
	frame := make([]byte, HeaderLength, HeaderLength+8*len(b.Samples))
	copy(frame[0:4], Magic)
	frame[4] = Version
	frame[5] = uint8(b.Channel)
	binary.LittleEndian.PutUint64(frame[8:], b.Cycle)
	binary.LittleEndian.PutUint32(frame[16:], uint32(len(b.Samples)))
	binary.LittleEndian.PutUint64(frame[24:], math.Float64bits(b.SampleRateHz))
	return append(frame, getbytes.FromSlice(b.Samples)...), nil
}

// Decode parses a frame produced by Encode. The samples are copied out of frame.
func Decode(frame []byte) (Batch, error) {
	var b Batch
	if len(frame) < HeaderLength {
		return b, ErrShortFrame
	}
	if string(frame[0:4]) != Magic {
		return b, fmt.Errorf("wire: magic was %q, want %q", frame[0:4], Magic)
	}
	if frame[4] != Version {
		return b, fmt.Errorf("wire: version %d, want %d", frame[4], Version)
	}
	b.Channel = int(frame[5])
	b.Cycle = binary.LittleEndian.Uint64(frame[8:])
	n := int(binary.LittleEndian.Uint32(frame[16:]))
	b.SampleRateHz = math.Float64frombits(binary.LittleEndian.Uint64(frame[24:]))
	payload := frame[HeaderLength:]
	if len(payload) < 8*n {
		return b, ErrShortFrame
	}
	b.Samples = make([]float64, n)
	for i := range b.Samples {
		b.Samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i:]))
	}
	return b, nil
}
