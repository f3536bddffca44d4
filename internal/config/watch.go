package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/syncore/internal/logging"
)

// Watch reloads the configuration file whenever it changes and passes every
// valid result to fn. An invalid edit is logged and skipped. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	logging.Info("Watching configuration", map[string]interface{}{"path": abs})

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				logging.Warn("Ignoring invalid configuration change", map[string]interface{}{
					"path":  abs,
					"error": err.Error(),
				})
				continue
			}
			logging.Info("Configuration reloaded", map[string]interface{}{"path": abs})
			fn(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error("Configuration watcher error", err)
		}
	}
}
