package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-games/server/internal/version"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := &VersionMsg{Version: version.Version{Major: 1, Minor: 2, Patch: 3}}

	data, err := Encode(original)
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"version"`)

	decoded, err := Decode(data)
	require.NoError(t, err)
	vm, ok := decoded.(*VersionMsg)
	require.True(t, ok)
	require.Equal(t, original.Version, vm.Version)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"nonsense"}`))
	require.Error(t, err)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{}`))
	require.Error(t, err)
}

func TestPingPongKinds(t *testing.T) {
	require.Equal(t, "ping", (&Ping{}).Kind())
	require.Equal(t, "pong", (&Pong{}).Kind())

	data, err := Encode(&Ping{})
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, "ping", decoded.Kind())
}
