package http2utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint24RoundTrip(t *testing.T) {
	b := make([]byte, 3)

	for _, n := range []uint32{0, 1, 255, 1 << 14, 1<<24 - 1} {
		Uint24ToBytes(b, n)
		require.Equal(t, n, BytesToUint24(b))
	}
}

func TestUint32RoundTrip(t *testing.T) {
	b := make([]byte, 4)

	for _, n := range []uint32{0, 1, 1 << 16, 1<<32 - 1} {
		Uint32ToBytes(b, n)
		require.Equal(t, n, BytesToUint32(b))
	}
}

func TestResize(t *testing.T) {
	b := make([]byte, 2, 8)

	b = Resize(b, 6)
	require.Len(t, b, 6)

	b = Resize(b, 32)
	require.Len(t, b, 32)

	b = Resize(b, 3)
	require.Len(t, b, 3)
}

func TestEqualsFold(t *testing.T) {
	require.True(t, EqualsFold([]byte("Content-Length"), []byte("content-length")))
	require.False(t, EqualsFold([]byte("content"), []byte("content-length")))
	require.False(t, EqualsFold([]byte("content-length"), []byte("content-lengtH ")))
}

func TestCutPadding(t *testing.T) {
	payload := []byte{3, 'a', 'b', 'c', 0, 0, 0}

	b, err := CutPadding(payload, len(payload))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), b)

	// padding declared longer than the payload
	_, err = CutPadding([]byte{8, 'a'}, 2)
	require.ErrorIs(t, err, ErrPadLength)

	_, err = CutPadding(nil, 0)
	require.ErrorIs(t, err, ErrPadLength)
}

func TestAddPadding(t *testing.T) {
	b := AddPadding([]byte("abc"))

	require.Greater(t, len(b), 4)

	unpadded, err := CutPadding(b, len(b))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), unpadded)
}
