package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses bursts of editor writes into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a Registry when its pattern file changes. The parent
// directory is watched so rename-over-write saves are seen.
type Watcher struct {
	registry *Registry
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	file     string
	debounce time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWatcher creates a watcher for the registry's file.
func NewWatcher(registry *Registry, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if registry.Path() == "" {
		return nil, fmt.Errorf("patterns: watcher needs a file-backed registry")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("patterns: create watcher: %w", err)
	}
	file, err := filepath.Abs(registry.Path())
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("patterns: resolve %s: %w", registry.Path(), err)
	}
	return &Watcher{
		registry: registry,
		logger:   logger,
		fsw:      fsw,
		file:     file,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	var err error
	w.startOnce.Do(func() {
		if err = w.fsw.Add(filepath.Dir(w.file)); err != nil {
			err = fmt.Errorf("patterns: watch %s: %w", filepath.Dir(w.file), err)
			close(w.doneCh)
			return
		}
		w.logger.Info("watching pattern file", "path", w.file)
		go w.run(ctx)
	})
	return err
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.startOnce.Do(func() { close(w.doneCh) })
		<-w.doneCh
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("closing pattern watcher", "error", err)
		}
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pattern watcher error", "error", err)

		case <-fire:
			fire = nil
			// Reload logs and counts its own failures.
			_, _ = w.registry.Reload(ctx)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.file {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
