package urlenc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexRoundTrip(t *testing.T) {
	b := []byte{0x00, 0x1f, 0xab, 0xff}
	enc := EncodeHex(b)
	assert.Equal(t, "001fabff", enc)

	dec, err := DecodeHex(enc)
	require.NoError(t, err)
	assert.Equal(t, b, dec)
}

func TestDecodeHexOddLength(t *testing.T) {
	_, err := DecodeHex("abc")
	assert.ErrorIs(t, err, ErrBadHex)
}

func TestDecodeHexBadDigit(t *testing.T) {
	_, err := DecodeHex("zz")
	assert.ErrorIs(t, err, ErrBadHexDigit)
}

func TestURLEncodeDecodeRoundTrip(t *testing.T) {
	for _, s := range []string{
		"plain/name.txt",
		"with space.txt",
		"reserved+chars%here&there=done;semi",
		"\x00\x01binary\x7f\xff",
		"",
	} {
		enc := EncodeBytes([]byte(s))
		dec, err := DecodeBytes(enc)
		require.NoError(t, err)
		assert.Equal(t, []byte(s), dec)
	}
}

func TestEncodeBytesSpaceAndReserved(t *testing.T) {
	assert.Equal(t, "a+b", EncodeBytes([]byte("a b")))
	assert.Equal(t, "%2b", EncodeBytes([]byte("+")))
	assert.Equal(t, "%25", EncodeBytes([]byte("%")))
	assert.Equal(t, "%26", EncodeBytes([]byte("&")))
	assert.Equal(t, "%3d", EncodeBytes([]byte("=")))
	assert.Equal(t, "%3b", EncodeBytes([]byte(";")))
}

func TestEncodeHexIsIdempotentUnderURLEncode(t *testing.T) {
	h := EncodeHex([]byte("0123456789abcdef0123"))
	assert.Equal(t, h, EncodeBytes([]byte(h)))
}

func TestDecodeBytesTruncatedEscape(t *testing.T) {
	_, err := DecodeBytes("abc%2")
	assert.ErrorIs(t, err, ErrBadHex)
}
