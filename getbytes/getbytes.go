// Package getbytes reinterprets numeric slices as bytes, and bytes as
// numeric slices, without copying. Both directions use the machine's native
// byte order, which is little-endian on every platform the receiver runs on.
package getbytes

import (
	"fmt"
	"unsafe"
)

// Number is any fixed-size numeric type.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// FromSlice views a numeric slice as []byte.
func FromSlice[T Number](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// From returns the bytes of a single value.
func From[T Number](d T) []byte {
	return FromSlice([]T{d})
}

// AsSlice views b as a slice of T. len(b) must be a multiple of the size of T
// and b must be suitably aligned for T.
func AsSlice[T Number](b []byte) ([]T, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b)%size != 0 {
		return nil, fmt.Errorf("cannot view %d bytes as %T values of %d bytes", len(b), zero, size)
	}
	if len(b) == 0 {
		return []T{}, nil
	}
	if uintptr(unsafe.Pointer(&b[0]))%unsafe.Alignof(zero) != 0 {
		return nil, fmt.Errorf("byte slice is not aligned for %T", zero)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size), nil
}
