package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounce collapses the bursts of events editors produce on save.
const debounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes every valid
// configuration to fn. Invalid files are logged and skipped. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, log *logrus.Entry, fn func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so that atomic renames are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: failed to watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			cfg, err := Load(path)
			if err != nil {
				log.WithError(err).Warn("Ignoring invalid configuration change")
				continue
			}
			log.WithField("path", path).Info("Configuration reloaded")
			fn(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("File watcher error")
		}
	}
}
