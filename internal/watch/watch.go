// Package watch triggers export runs for files dropped into a directory.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/pipeline"
	"github.com/mkoziy/vulnsync/internal/scheduler"
)

const DefaultDebounce = 2 * time.Second

// Triggerer starts runs.
type Triggerer interface {
	Trigger(ctx context.Context, source string, trigger models.TriggerType, params pipeline.Params) scheduler.Result
}

// Watcher debounces file events in one directory into export runs.
type Watcher struct {
	dir      string
	ext      string
	source   string
	debounce time.Duration
	trig     Triggerer
	logger   *zap.Logger

	pending map[string]struct{}
}

// New creates a watcher for files with extension ext in dir.
func New(dir, ext string, debounce time.Duration, trig Triggerer, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		ext:      ext,
		source:   models.SourceExport,
		debounce: debounce,
		trig:     trig,
		logger:   logger.With(zap.String("dir", dir)),
		pending:  make(map[string]struct{}),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() {
		_ = fsw.Close()
	}()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching drop directory")

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.accept(event) {
				w.pending[filepath.Base(event.Name)] = struct{}{}
				fire = time.After(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))

		case <-fire:
			fire = nil
			if w.flush(ctx) {
				fire = time.After(w.debounce)
			}
		}
	}
}

func (w *Watcher) accept(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	return strings.EqualFold(filepath.Ext(event.Name), w.ext)
}

// flush triggers every pending file in name order and reports whether any
// stay pending because a run was in progress.
func (w *Watcher) flush(ctx context.Context) bool {
	names := make([]string, 0, len(w.pending))
	for name := range w.pending {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		res := w.trig.Trigger(ctx, w.source, models.TriggerAuto, pipeline.Params{File: name})
		switch {
		case res.Accepted:
			w.logger.Info("export run started", zap.String("file", name), zap.String("run_id", res.RunID))
			delete(w.pending, name)
		case strings.Contains(res.Reason, "already running"):
			w.logger.Debug("export run deferred", zap.String("file", name))
		default:
			w.logger.Warn("export run rejected", zap.String("file", name), zap.String("reason", res.Reason))
			delete(w.pending, name)
		}
	}
	return len(w.pending) > 0
}
