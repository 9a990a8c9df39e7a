package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds the callback that fires when the config file
// changes. The running proxy sets this at startup.
type WatchTargets struct {
	// OnConfigChange fires when the watched config file is written or
	// created. The callback `ccproxy start` installs calls
	// router.Table.ReloadModels only; the classifier's RuleSet and the
	// rest of the Config stay as loaded at startup.
	OnConfigChange func()
}

// Watcher monitors the ccproxy config directory for changes to the
// config file using fsnotify, firing OnConfigChange when a change is
// detected. Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	configName string
	done       chan struct{}
}

// NewWatcher creates a file watcher on the directory containing
// configPath, triggering targets.OnConfigChange whenever that specific
// file changes.
func NewWatcher(configPath string, targets WatchTargets) (*Watcher, error) {
	dir := filepath.Dir(configPath)
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher:  fw,
		configName: filepath.Base(configPath),
		done:       make(chan struct{}),
	}
	go w.processEvents(targets)

	slog.Info("config file watcher started", "dir", dir, "file", w.configName)
	return w, nil
}

func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != w.configName {
				continue
			}
			slog.Info("config file changed, triggering reload", "file", w.configName)
			if targets.OnConfigChange != nil {
				targets.OnConfigChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
