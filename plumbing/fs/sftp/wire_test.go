package sftp

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	e := &encoder{}
	e.str("hello")
	e.uint32(42)

	require.NoError(t, writeMessage(&buf, fxpOpen, 7, e.bytes()))

	msg, err := readMessage(bufio.NewReader(&buf), true)
	require.NoError(t, err)
	assert.Equal(t, byte(fxpOpen), msg.typ)
	assert.Equal(t, uint32(7), msg.id)

	d := newDecoder(msg.payload)
	assert.Equal(t, "hello", d.str())
	assert.Equal(t, uint32(42), d.uint32())
	require.NoError(t, d.err)
}

func TestWriteReadMessageNoID(t *testing.T) {
	var buf bytes.Buffer
	e := &encoder{}
	e.uint32(3)
	require.NoError(t, writeMessage(&buf, fxpInit, 0, e.bytes()))

	msg, err := readMessage(bufio.NewReader(&buf), false)
	require.NoError(t, err)
	assert.Equal(t, byte(fxpInit), msg.typ)

	d := newDecoder(msg.payload)
	assert.Equal(t, uint32(3), d.uint32())
}

func TestDecoderTruncatedFieldsSetErr(t *testing.T) {
	d := newDecoder([]byte{0, 1})
	d.uint32()
	assert.Error(t, d.err)
}

func TestAttrsEncodeDecodeRoundTrip(t *testing.T) {
	a := attrs{
		hasSize:   true,
		Size:      12345,
		hasUIDGID: true,
		UID:       1000,
		GID:       1000,
		hasPerms:  true,
		Permissions: 0644,
		hasTimes:  true,
		ATime:     111,
		MTime:     222,
	}
	e := &encoder{}
	a.encode(e)

	got := decodeAttrs(newDecoder(e.bytes()))
	assert.Equal(t, a.Size, got.Size)
	assert.Equal(t, a.UID, got.UID)
	assert.Equal(t, a.GID, got.GID)
	assert.Equal(t, a.Permissions, got.Permissions)
	assert.Equal(t, a.ATime, got.ATime)
	assert.Equal(t, a.MTime, got.MTime)
}
