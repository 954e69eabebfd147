package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// State files watched in the plangov directory.
const (
	CatalogFile     = "catalog.yaml"
	ActorsFile      = "actors.yaml"
	SuspensionsFile = "suspended.yaml"
)

// WatchTargets holds callbacks that fire when a state file changes. The CLI
// edits these files directly; the running server reloads them in place.
type WatchTargets struct {
	// OnCatalogChange fires when catalog.yaml is written or created.
	OnCatalogChange func()

	// OnActorsChange fires when actors.yaml is written or created.
	OnActorsChange func()

	// OnSuspensionsChange fires when suspended.yaml is written or created.
	// This is what makes `plangov actors suspend` take effect immediately.
	OnSuspensionsChange func()
}

// Watcher monitors the plangov directory with fsnotify and dispatches
// changes to WatchTargets. Call Close to stop it.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher starts watching dir.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Removes and renames leave the last loaded state in place.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			var fn func()
			switch name := filepath.Base(event.Name); name {
			case CatalogFile:
				fn = targets.OnCatalogChange
			case ActorsFile:
				fn = targets.OnActorsChange
			case SuspensionsFile:
				fn = targets.OnSuspensionsChange
			default:
				continue
			}
			slog.Info("state file changed, triggering reload", "file", filepath.Base(event.Name))
			if fn != nil {
				fn()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
