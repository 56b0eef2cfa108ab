package asset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStampIsDeterministicAndSensitiveToContent(t *testing.T) {
	a := Stamp([]byte("hello"))
	b := Stamp([]byte("hello"))
	c := Stamp([]byte("world"))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 64) // 32 bytes hex-encoded
}

func TestReadMapMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "twokeeps.map")
	content := "{\"playercount\":2,\"name\":\"Two Keeps\"}\nrest of the map data\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	meta, err := ReadMapMetadata(path)
	require.NoError(t, err)
	require.Equal(t, 2, meta.PlayerCount)
	require.Equal(t, "Two Keeps", meta.Name)
}

func TestReadMapMetadataEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.map")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := ReadMapMetadata(path)
	require.Error(t, err)
}

func TestListMapsSkipsNonMapFilesAndFillsInName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "atoll.map"), []byte(`{"playercount":2}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "twokeeps.map"), []byte(`{"playercount":4,"name":"Two Keeps"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("not a map"), 0o644))

	maps, err := ListMaps(dir)
	require.NoError(t, err)
	require.Len(t, maps, 2)
	require.Equal(t, "atoll", maps[0].Name) // no "name" header field: falls back to filename
	require.Equal(t, "Two Keeps", maps[1].Name)
}
