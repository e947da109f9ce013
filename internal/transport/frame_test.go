package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"librevault-go/internal/lverrors"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 7, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, 9, nil))

	kind, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.EqualValues(t, 7, kind)
	require.Equal(t, []byte("hello"), payload)

	kind, payload, err = ReadFrame(&buf)
	require.NoError(t, err)
	require.EqualValues(t, 9, kind)
	require.Empty(t, payload)

	_, _, err = ReadFrame(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 1, make([]byte, 16)))
	raw := buf.Bytes()
	// Corrupt the length prefix to claim a payload larger than MaxFrameSize.
	raw[1], raw[2], raw[3], raw[4] = 0xff, 0xff, 0xff, 0x7f

	_, _, err := ReadFrame(bytes.NewReader(raw))
	require.True(t, errors.Is(err, lverrors.ErrProtocolViolation))
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, 1, make([]byte, MaxFrameSize+1))
	require.Error(t, err)
}
