// Package logging configures the process-wide structured logger and
// supports swapping its output file on SIGHUP, matching the teacher's use
// of log/slog throughout internal/gameserver and internal/login.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// reopenableWriter lets logrotate.WatchSIGHUP swap the underlying *os.File
// without the slog.Logger itself needing to change.
type reopenableWriter struct {
	mu   sync.Mutex
	file *os.File
}

func (w *reopenableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Write(p)
}

// Reopen closes the current file handle and opens path afresh in append
// mode, the operation external log rotation relies on being safe.
func (w *reopenableWriter) Reopen(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: reopening %s: %w", path, err)
	}

	w.mu.Lock()
	old := w.file
	w.file = f
	w.mu.Unlock()

	return old.Close()
}

// ParseLevel maps the spec's "loglevel" config values (debug, info, warn,
// error) onto slog.Level, defaulting to Info for anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup opens logPath and installs a JSON slog.Logger as the process
// default, returning a Reopen func to hand to logrotate.WatchSIGHUP.
func Setup(logPath string, level slog.Level) (reopen func(string) error, closeFn func() error, err error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: opening %s: %w", logPath, err)
	}

	w := &reopenableWriter{file: f}
	handler := slog.NewJSONHandler(io.MultiWriter(w, os.Stderr), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	return w.Reopen, func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.file.Close()
	}, nil
}
