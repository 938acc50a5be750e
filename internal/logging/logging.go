// Package logging configures the global slog logger for the worker and the
// search bridge.
//
// The worker tees human-readable output to stderr and a daily log file under
// <datadir>/logs. The search bridge must never write to stdout — stdout is
// reserved for JSON-RPC framing — so it logs to stderr only, installed before
// any other initialisation.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// now is a package-level var to allow test injection.
var now = time.Now

// FileName returns the daily log file name for the given day.
func FileName(t time.Time) string {
	return fmt.Sprintf("codemem-%s.log", t.Format("2006-01-02"))
}

// InitWorker configures slog to write to stderr and a daily file under
// dataDir/logs. Returns a close function for the file handle.
func InitWorker(dataDir string, level slog.Level) (func(), error) {
	logsDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0700); err != nil {
		return nil, fmt.Errorf("logging: create logs dir: %w", err)
	}

	path := filepath.Join(logsDir, FileName(now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, f), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return func() { _ = f.Close() }, nil
}

// InitBridge configures slog for the stdio bridge: stderr only, never stdout.
func InitBridge(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
