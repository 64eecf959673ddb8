// Package watcher observes a project tree and requests a trigger for every
// qualifying batch of filesystem changes.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jguan/hookflow/pkg/fault"
	"github.com/jguan/hookflow/pkg/process"
)

// DefaultDebounce is the window over which events are merged into a batch.
const DefaultDebounce = 50 * time.Millisecond

// TriggerFunc starts one trigger run. The returned handle, when non-nil,
// tells the watcher whether that run is still in flight.
type TriggerFunc func(ctx context.Context) (*process.Handle, error)

// KillFunc terminates processes whose command line equals signature.
type KillFunc func(ctx context.Context, signature string) (int, error)

type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithSignals makes the loop exit when a value arrives on ch.
func WithSignals(ch <-chan os.Signal) Option {
	return func(w *Watcher) {
		w.signals = ch
	}
}

// WithHomologous kills other watchers started with signature before the
// loop begins.
func WithHomologous(signature string, kill KillFunc) Option {
	return func(w *Watcher) {
		w.signature = signature
		w.kill = kill
	}
}

// WithIgnoreFiles overrides the ignore file candidates. An empty list keeps
// the defaults.
func WithIgnoreFiles(names ...string) Option {
	return func(w *Watcher) {
		if len(names) > 0 {
			w.candidates = names
		}
	}
}

// WithExclude adds directories that are never watched, such as the ones
// hookflow itself writes logs into. Relative paths are taken from the root.
func WithExclude(dirs ...string) Option {
	return func(w *Watcher) {
		w.exclude = append(w.exclude, dirs...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher runs a single-goroutine event loop. The filter is replaced
// wholesale between batches, never mutated.
type Watcher struct {
	root       string
	trigger    TriggerFunc
	debounce   time.Duration
	signals    <-chan os.Signal
	signature  string
	kill       KillFunc
	candidates []string
	exclude    []string
	logger     *slog.Logger

	fsw    *fsnotify.Watcher
	filter *Filter
	last   *process.Handle
}

func New(root string, trigger TriggerFunc, opts ...Option) *Watcher {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	w := &Watcher{
		root:       root,
		trigger:    trigger,
		debounce:   DefaultDebounce,
		candidates: IgnoreFiles,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is done or a signal arrives. Neither is an error.
func (w *Watcher) Run(ctx context.Context) error {
	if w.kill != nil && w.signature != "" {
		if n, err := w.kill(ctx, w.signature); err != nil {
			w.logger.Warn("failed to stop previous watcher", "error", err)
		} else if n > 0 {
			w.logger.Info("stopped previous watcher", "count", n)
		}
	}

	filter, err := NewFilter(w.root, w.candidates, w.exclude...)
	if err != nil {
		return err
	}
	w.filter = filter

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fault.Wrap(err, fault.ErrCodeIO, "create filesystem watcher")
	}
	defer fsw.Close()
	w.fsw = fsw

	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.logger.Info("watching", "root", w.root, "ignore_file", filter.IgnoreFile())

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-w.signals:
			w.logger.Info("received signal, stopping watcher", "signal", sig)
			return nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			batch, stop := w.collect(ctx, ev)
			if !w.process(ctx, batch, stop) {
				return nil
			}
		}
	}
}

// collect gathers events for one debounce window. stop reports a signal or
// cancellation seen while collecting.
func (w *Watcher) collect(ctx context.Context, first fsnotify.Event) ([]fsnotify.Event, bool) {
	batch := []fsnotify.Event{first}
	timer := time.NewTimer(w.debounce)
	defer timer.Stop()

	stop := false
	for {
		select {
		case <-timer.C:
			return batch, stop
		case <-ctx.Done():
			return batch, true
		case sig := <-w.signals:
			w.logger.Info("received signal, stopping watcher", "signal", sig)
			stop = true
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return batch, true
			}
			batch = append(batch, ev)
		}
	}
}

// process handles one batch and reports whether the loop should go on.
func (w *Watcher) process(ctx context.Context, batch []fsnotify.Event, stop bool) bool {
	if w.touchesIgnoreFile(batch) {
		w.reconfigure()
	}

	if stop {
		return false
	}

	var changed []string
	for _, ev := range batch {
		if w.filter.Excluded(ev.Name) {
			continue
		}
		if ev.Has(fsnotify.Create) {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
				}
			}
		}
		changed = append(changed, ev.Name)
	}
	if len(changed) == 0 {
		return true
	}

	w.logger.Debug("change detected", "paths", changed)
	w.fire(ctx)
	return true
}

func (w *Watcher) touchesIgnoreFile(batch []fsnotify.Event) bool {
	for _, ev := range batch {
		if ev.Name == w.filter.IgnoreFile() || slices.Contains(w.candidates, filepath.Base(ev.Name)) {
			return true
		}
	}
	return false
}

// reconfigure swaps in a fresh filter and re-registers directories. A broken
// ignore file keeps the previous filter.
func (w *Watcher) reconfigure() {
	filter, err := NewFilter(w.root, w.candidates, w.exclude...)
	if err != nil {
		w.logger.Warn("ignore file reload failed, keeping previous filter", "error", err)
		return
	}
	w.filter = filter

	for _, dir := range w.fsw.WatchList() {
		if filter.Excluded(dir) {
			_ = w.fsw.Remove(dir)
		}
	}
	if err := w.addTree(w.root); err != nil {
		w.logger.Warn("failed to re-register directories", "error", err)
	}
	w.logger.Info("watch filter reloaded", "ignore_file", filter.IgnoreFile())
}

// fire starts a trigger unless the previous one is still running. Failures
// and panics stay inside this call.
func (w *Watcher) fire(ctx context.Context) {
	if w.last.Running() {
		w.logger.Debug("previous trigger still running, dropping batch", "pid", w.last.PID)
		return
	}
	w.last = nil

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("trigger panicked", "panic", fmt.Sprint(r))
		}
	}()

	h, err := w.trigger(ctx)
	if err != nil {
		w.logger.Error("trigger failed", "error", err)
		return
	}
	w.last = h
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fault.Wrap(err, fault.ErrCodeIO, "walk "+root)
			}
			// vanished or unreadable subdirectory
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.filter.Excluded(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fault.Wrap(err, fault.ErrCodeIO, "watch "+path)
		}
		return nil
	})
}
