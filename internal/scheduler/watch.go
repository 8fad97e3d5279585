package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/script"
)

// Editors often write a file in several steps; wait for it to settle.
const debounce = 250 * time.Millisecond

type reloader interface {
	Reload(path string) (bool, error)
}

type watcher struct {
	fs      *fsnotify.Watcher
	target  reloader
	logger  *zap.Logger
	pending map[string]time.Time
}

func newWatcher(dir string, target reloader, logger *zap.Logger) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to create watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, fmt.Errorf("scheduler: failed to watch %s: %w", dir, err)
	}
	logger.Info("Watching script directory.", zap.String("dir", dir))
	return &watcher{
		fs:      fs,
		target:  target,
		logger:  logger,
		pending: make(map[string]time.Time),
	}, nil
}

func (w *watcher) run(ctx context.Context) error {
	defer w.fs.Close()
	ticker := time.NewTicker(debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.observe(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Script watcher error.", zap.Error(err))
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

func (w *watcher) observe(ev fsnotify.Event) {
	if !script.IsScriptFile(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.pending[ev.Name] = time.Now()
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(w.pending, ev.Name)
		w.logger.Warn("Script removed; monitors keep the last loaded version.", zap.String("script", ev.Name))
	}
}

func (w *watcher) flush(now time.Time) {
	for path, at := range w.pending {
		if now.Sub(at) < debounce {
			continue
		}
		delete(w.pending, path)
		if _, err := w.target.Reload(path); err != nil {
			w.logger.Debug("Reload failed.", zap.String("script", path), zap.Error(err))
		}
	}
}
