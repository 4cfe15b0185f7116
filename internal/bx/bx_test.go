package bx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAndReadRoundTrip(t *testing.T) {
	buf := make([]byte, 16)

	PutU16(buf, 0xBEEF)
	require.Equal(t, uint16(0xBEEF), U16(buf))

	PutU32(buf, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), U32(buf))

	PutU64(buf, 0x0123456789ABCDEF)
	require.Equal(t, uint64(0x0123456789ABCDEF), U64(buf))

	PutI64(buf, -42)
	require.Equal(t, int64(-42), I64(buf))
}

func TestAtHelpers(t *testing.T) {
	buf := make([]byte, 32)

	PutU16At(buf, 3, 7)
	PutU32At(buf, 9, 11)
	PutU64At(buf, 17, 13)

	require.Equal(t, uint16(7), U16At(buf, 3))
	require.Equal(t, uint32(11), U32At(buf, 9))
	require.Equal(t, uint64(13), U64At(buf, 17))

	// little-endian byte order on disk
	require.Equal(t, byte(7), buf[3])
	require.Equal(t, byte(0), buf[4])
}
