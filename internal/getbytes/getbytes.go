// Package getbytes views numeric slices as raw bytes without copying.
// The result shares memory with its argument and uses the host byte order,
// which is little-endian on every platform the acquisition server runs on.
package getbytes

import (
	"unsafe"
)

// Number is any fixed-size numeric type.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// FromSlice returns the bytes underlying d.
func FromSlice[T Number](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// ToFloat64 returns the float64 values stored in b. The length of b must be a
// multiple of 8 and b must be 8-byte aligned; otherwise nil is returned.
func ToFloat64(b []byte) []float64 {
	if len(b) == 0 || len(b)%8 != 0 || uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/8)
}
