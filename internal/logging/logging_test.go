package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("anything-else"))
}

func TestSetupAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.info.log")

	reopen, closeFn, err := Setup(path, slog.LevelInfo)
	require.NoError(t, err)
	defer closeFn()

	slog.Info("hello")

	require.NoError(t, reopen(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}
