package hv

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPioAddressFromIo(t *testing.T) {
	addr, err := PioAddressFromIo(IoAddress(0x3f8))
	require.NoError(t, err)
	require.Equal(t, PioAddress(0x3f8), addr)

	addr, err = PioAddressFromIo(IoAddress(0xFFFF))
	require.NoError(t, err)
	require.Equal(t, PioAddress(0xFFFF), addr)
}

func TestPioAddressFromIoOverflow(t *testing.T) {
	_, err := PioAddressFromIo(IoAddress(0x10000))
	require.Error(t, err)

	var narrow *NarrowingError
	require.True(t, errors.As(err, &narrow))
	require.Equal(t, uint64(0x10000), narrow.Value)
}

func TestPioSizeFromIoOverflow(t *testing.T) {
	_, err := PioSizeFromIo(IoSize(1 << 32))
	var narrow *NarrowingError
	require.True(t, errors.As(err, &narrow))
	require.Equal(t, uint64(1<<32), narrow.Value)
}

func TestWideningIsTotal(t *testing.T) {
	require.Equal(t, IoAddress(0xFFFF), IoAddressFromPio(PioAddress(0xFFFF)))
	require.Equal(t, IoSize(0x100), IoSizeFromPio(PioSize(0x100)))
}

func TestNarrowingRoundTrip(t *testing.T) {
	for _, v := range []uint16{0, 1, 0x80, 0xFFFF} {
		wide := IoAddressFromPio(PioAddress(v))
		back, err := PioAddressFromIo(wide)
		require.NoError(t, err)
		require.Equal(t, PioAddress(v), back)
	}
}
