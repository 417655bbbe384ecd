package getbytes

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromSlice(t *testing.T) {
	var byteslicetests = []struct {
		byteslice []byte
		expect    string
	}{
		{FromSlice([]uint8{0xAB, 0xCD, 0xEF, 0x01}), "abcdef01"},
		{FromSlice([]uint16{0xABCD, 0xEF01}), "cdab01ef"},
		{FromSlice([]uint32{0xABCDEF01, 0x23456789}), "01efcdab89674523"},
		{FromSlice([]int16{1, 2}), "01000200"},
		{FromSlice([]float32{1, 2}), "0000803f00000040"},
		{FromSlice([]float64{2, 4}), "00000000000000400000000000001040"},
		{FromSlice([]float64{}), ""},
		{FromSlice([]uint32(nil)), ""},
	}
	for _, test := range byteslicetests {
		assert.Equal(t, test.expect, hex.EncodeToString(test.byteslice))
	}
}

func TestToFloat64(t *testing.T) {
	data := []float64{1.5, -2, 1e300}
	assert.Equal(t, data, ToFloat64(FromSlice(data)))
	assert.Nil(t, ToFloat64(FromSlice(data)[:20]))
	assert.Nil(t, ToFloat64(nil))
}
