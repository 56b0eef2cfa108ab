package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"ping"}`)
	require.NoError(t, WriteFrame(&buf, payload))

	got, isPulse, err := ReadFrame(&buf, MessageSizeLimit)
	require.NoError(t, err)
	require.False(t, isPulse)
	require.Equal(t, payload, got)
}

func TestPulseFrameIsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePulse(&buf))
	require.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())

	payload, isPulse, err := ReadFrame(&buf, MessageSizeLimit)
	require.NoError(t, err)
	require.True(t, isPulse)
	require.Nil(t, payload)
}

func TestReadFrameRejectsOversizeUnversioned(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, MessageSizeUnversionedLimit)))

	_, _, err := ReadFrame(&buf, MessageSizeUnversionedLimit)
	require.Error(t, err)
	var tooLarge *ErrFrameTooLarge
	require.ErrorAs(t, err, &tooLarge)
}

func TestReadFrameRejectsOversizeVersioned(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, MessageSizeLimit)))

	_, _, err := ReadFrame(&buf, MessageSizeLimit)
	require.Error(t, err)
}

func TestReadFrameAcceptsJustUnderLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, MessageSizeUnversionedLimit-1)))

	_, isPulse, err := ReadFrame(&buf, MessageSizeUnversionedLimit)
	require.NoError(t, err)
	require.False(t, isPulse)
}
