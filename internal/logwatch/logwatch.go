// Package logwatch notices when a log file is rotated away so the logger
// service can reopen it.
package logwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onRotate each time path is renamed or removed, until ctx is
// done. The parent directory is watched so that the file may be recreated.
func Watch(ctx context.Context, path string, log *slog.Logger, onRotate func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("logwatch: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("logwatch: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("logwatch: watch %s: %w", filepath.Dir(abs), err)
	}
	log = log.With(slog.String("component", "logwatch"), slog.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				log.Info("log file rotated", slog.String("op", ev.Op.String()))
				onRotate()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", slog.Any("error", err))
		}
	}
}
