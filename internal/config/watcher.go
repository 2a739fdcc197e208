package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports that config.yaml changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches config.yaml for changes so adapter credentials can be
// hot-reloaded without restarting a running session.
type Watcher struct {
	path   string
	log    *slog.Logger
	events chan ReloadEvent
}

// NewWatcher constructs a Watcher for config.yaml under homeDir.
func NewWatcher(homeDir string, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{path: ConfigPath(homeDir), log: log, events: make(chan ReloadEvent, 8)}
}

// Events returns the channel reload events are delivered on.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start begins watching in a background goroutine, returning once the
// underlying fsnotify watcher is established. The goroutine exits when ctx
// is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.path); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
					w.log.Warn("config reload event dropped, channel full", "path", ev.Name)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
