package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk. The parent
// directory is watched so that editors and ConfigMap symlink swaps, which
// replace the file instead of writing it, are seen too.
type Watcher struct {
	path     string
	debounce time.Duration
	apply    func(*Config) error
	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher starts watching path. Every burst of changes within debounce
// triggers one Load; a valid result is passed to apply, an invalid one is
// logged and the running config stays in place.
func NewWatcher(path string, debounce time.Duration, apply func(*Config) error) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch config dir %s: %w", dir, err)
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		apply:    apply,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return false
	}
	name := filepath.Base(ev.Name)
	return filepath.Clean(ev.Name) == w.path || strings.HasPrefix(name, "..")
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		case <-timer.C:
			w.reload()
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	c, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping current config", "path", w.path, "error", err)
		return
	}
	if err := w.apply(c); err != nil {
		slog.Error("config apply failed, keeping current config", "path", w.path, "error", err)
		return
	}
	slog.Info("config reloaded", "path", w.path, "routes", len(c.Routes), "services", len(c.Services))
}

// Close stops the watcher and waits for a running reload to finish.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
