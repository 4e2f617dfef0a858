package getbytes

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromGetBytes(t *testing.T) {
	var byteslicetests = []struct {
		byteslice []byte
		expect    string
	}{
		{FromSlice([]uint8{0xAB, 0xCD, 0xEF, 0x01, 0x23, 0x45, 0x67, 0x89}), "abcdef0123456789"},
		{FromSlice([]uint16{0xABCD, 0xEF01, 0x2345, 0x6789}), "cdab01ef45238967"},
		{FromSlice([]uint32{0xABCDEF01, 0x23456789}), "01efcdab89674523"},
		{FromSlice([]uint64{0xABCDEF0123456789}), "8967452301efcdab"},
		{FromSlice([]int16{1, 2, 3, 4}), "0100020003000400"},
		{FromSlice([]int32{1, 2}), "0100000002000000"},
		{From(int64(1)), "0100000000000000"},
		{From(float32(1.0)), "0000803f"},
		{FromSlice([]float64{}), ""},
	}
	for _, bt := range byteslicetests {
		if encodedStr := hex.EncodeToString(bt.byteslice); encodedStr != bt.expect {
			t.Errorf("want %v, have %v", bt.expect, encodedStr)
		}
	}
}

func TestAsSlice(t *testing.T) {
	b := []byte{1, 0, 2, 0, 0xff, 0xff}
	u, err := AsSlice[uint16](b)
	assert.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 0xffff}, u)

	_, err = AsSlice[uint32](b)
	assert.Error(t, err, "6 bytes cannot be viewed as uint32")

	empty, err := AsSlice[float32](nil)
	assert.NoError(t, err)
	assert.Len(t, empty, 0)

	// Views share memory with the original.
	u[0] = 7
	assert.Equal(t, byte(7), b[0])
}
