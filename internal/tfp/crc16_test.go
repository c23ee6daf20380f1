package tfp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCRC16RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, MaxLength).Draw(t, "n")
		buf := rapid.SliceOfN(rapid.Byte(), n, n).Draw(t, "frame")

		crc := CRC16(buf)

		mutateIndex := rapid.IntRange(0, n-1).Draw(t, "mutate_index")
		mutated := append([]byte(nil), buf...)
		mutated[mutateIndex] ^= 0xFF

		assert.NotEqual(t, crc, CRC16(mutated), "single-byte mutation should change the checksum")
	})
}

func TestCRC16KnownValue(t *testing.T) {
	// CRC16/MODBUS of an empty buffer is the initial register value.
	assert.Equal(t, uint16(0xFFFF), CRC16(nil))
}
