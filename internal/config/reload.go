package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events an editor save produces.
var reloadDebounce = 300 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes every valid
// result to apply. An edit that fails to load or validate is logged and the
// previous settings stay in effect. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(Config), overrides ...func(*Config)) error {
	return watch(ctx, path, os.LookupEnv, logger, apply, overrides...)
}

func watch(ctx context.Context, path string, lookup func(string) (string, bool), logger *slog.Logger, apply func(Config), overrides ...func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer w.Close()

	// Editors often replace the file, so watch the directory and filter.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	logger.Info("config: watching for changes", "path", abs)

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			logger.Debug("config: file changed", "op", ev.Op.String())
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config: watcher error", "error", err)

		case <-fire:
			fire = nil
			cfg, err := load(path, lookup, logger, overrides...)
			if err != nil {
				logger.Error("config: reload failed, keeping previous settings", "path", abs, "error", err)
				continue
			}
			logger.Info("config: reloaded", "path", abs)
			apply(cfg)
		}
	}
}
