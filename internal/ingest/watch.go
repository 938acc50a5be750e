package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-runs incremental ingestion whenever transcript files under root
// change. Write bursts are debounced so one editor save triggers one run.
// Blocks until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, root string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(root); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("ingest: watcher error", "error", err)
		case <-fire:
			if report, err := e.Run(ctx, root); err != nil {
				slog.Warn("ingest: incremental run failed", "error", err)
			} else if report.RecordsSent > 0 {
				slog.Info("ingest: incremental run",
					"records", report.RecordsSent, "files", report.FilesScanned)
			}
		}
	}
}
