package http2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

// RFC 7541 Appendix C literal vectors.
var huffmanVectors = []struct {
	raw     string
	encoded []byte
}{
	{"www.example.com", []byte{0xf1, 0xe3, 0xc2, 0xe5, 0xf2, 0x3a, 0x6b, 0xa0, 0xab, 0x90, 0xf4, 0xff}},
	{"no-cache", []byte{0xa8, 0xeb, 0x10, 0x64, 0x9c, 0xbf}},
	{"custom-key", []byte{0x25, 0xa8, 0x49, 0xe9, 0x5b, 0xa9, 0x7d, 0x7f}},
	{"custom-value", []byte{0x25, 0xa8, 0x49, 0xe9, 0x5b, 0xb8, 0xe8, 0xb4, 0xbf}},
}

func TestHuffmanVectors(t *testing.T) {
	for _, v := range huffmanVectors {
		enc := huffmanEncode(nil, []byte(v.raw))
		require.Equal(t, v.encoded, enc, "encoding %q", v.raw)
		require.Equal(t, len(v.encoded), huffmanEncodedLen([]byte(v.raw)))

		dec, err := huffmanDecode(nil, v.encoded)
		require.NoError(t, err)
		require.Equal(t, v.raw, string(dec))
	}
}

func TestHuffmanRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("Mon, 21 Oct 2013 20:13:21 GMT"),
		[]byte("!\"#$%&'()*+,-./0123456789:;<=>?@[\\]^_`{|}~"),
		bytes.Repeat([]byte{0x00}, 3),
		bytes.Repeat([]byte("long input to exercise the bit buffer masking "), 64),
	}

	// every single octet, including obs-text: header values are raw
	// 8-bit octets and must round-trip byte-exact
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	inputs = append(inputs, all)

	for _, in := range inputs {
		enc := huffmanEncode(nil, in)

		dec, err := huffmanDecode(nil, enc)
		require.NoError(t, err)
		require.Equal(t, in, dec)
	}
}

// The x/net implementation acts as an independent referee for our
// encoder's wire output.
func TestHuffmanAgainstNetHPACK(t *testing.T) {
	inputs := []string{
		"www.example.com",
		"private",
		"gzip, deflate, br",
		"foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1",
	}

	for _, in := range inputs {
		enc := huffmanEncode(nil, []byte(in))

		dec, err := hpack.HuffmanDecodeToString(enc)
		require.NoError(t, err)
		require.Equal(t, in, dec)

		require.Equal(t, hpack.AppendHuffmanString(nil, in), enc)
	}
}

func TestHuffmanInvalidPadding(t *testing.T) {
	// '0' is 00000: the three trailing zero bits are not EOS padding
	_, err := huffmanDecode(nil, []byte{0x00})
	require.ErrorIs(t, err, NewError(CompressionError, ""))

	// more than 7 bits of ones must not be accepted as padding
	_, err = huffmanDecode(nil, []byte{0xff, 0xff})
	require.ErrorIs(t, err, NewError(CompressionError, ""))
}

func TestHuffmanEOSRejected(t *testing.T) {
	// the 30-bit EOS code followed by zero padding
	_, err := huffmanDecode(nil, []byte{0xff, 0xff, 0xff, 0xfc})
	require.ErrorIs(t, err, NewError(CompressionError, ""))
}
