package fs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/fsnotify/fsnotify"

	"github.com/aretw0/tillage/pkg/core"
)

// DefaultDebounce is how long the watcher waits for a file to settle before
// reporting it.
const DefaultDebounce = 50 * time.Millisecond

// Watch reports changes to the model's entity files, whoever makes them,
// until ctx ends. The returned channel is closed when watching stops.
func (r *Repository) Watch(ctx context.Context) (<-chan core.Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.Path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", r.Path, err)
	}
	if !r.config.Gitless {
		_ = watcher.Add(filepath.Join(r.root, ".git"))
	}

	keys, err := r.keys()
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}

	out := make(chan core.Event)
	w := &watchWorker{
		repo:      r,
		watcher:   watcher,
		events:    out,
		known:     known,
		debouncer: newDebouncer(DefaultDebounce),
	}
	r.setWatcherActive(true)

	lifecycle.Go(ctx, w.run, lifecycle.WithErrorHandler(func(err error) {
		r.handleError(fmt.Errorf("watcher: %w", err))
	}))
	return out, nil
}

type watchWorker struct {
	repo      *Repository
	watcher   *fsnotify.Watcher
	events    chan core.Event
	debouncer *debouncer

	mu    sync.Mutex
	known map[string]bool
}

func (w *watchWorker) run(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("watcher panic: %v", recovered)
			if logger := w.repo.config.Logger; logger != nil {
				if logger.Enabled(ctx, slog.LevelDebug) {
					logger.Error("watcher panic", "error", err, "stack", string(debug.Stack()))
				} else {
					logger.Error("watcher panic", "error", err)
				}
			}
		}
	}()
	defer close(w.events)
	defer w.repo.setWatcherActive(false)
	defer w.watcher.Close()

	var gitLocked bool
	err = w.loop(ctx, &gitLocked)

	// Drain in-flight timers before the deferred close of the events channel.
	w.debouncer.stopAndWait()
	return err
}

func (w *watchWorker) loop(ctx context.Context, gitLocked *bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			if w.handleGitLock(event, gitLocked) {
				if !*gitLocked {
					w.reconcile(ctx)
				}
				continue
			}
			if *gitLocked {
				continue
			}
			w.process(ctx, event)

		case wErr, ok := <-w.watcher.Errors:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			w.repo.handleError(wErr)
		}
	}
}

// handleGitLock tracks .git/index.lock so that the burst of changes made by
// a git checkout or pull is reported once, through Reconcile.
func (w *watchWorker) handleGitLock(event fsnotify.Event, gitLocked *bool) bool {
	if filepath.Base(event.Name) != "index.lock" || filepath.Base(filepath.Dir(event.Name)) != ".git" {
		return false
	}
	switch {
	case event.Has(fsnotify.Create):
		*gitLocked = true
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		*gitLocked = false
	}
	return true
}

func (w *watchWorker) reconcile(ctx context.Context) {
	events, err := w.repo.Reconcile(ctx)
	if err != nil {
		w.repo.handleError(fmt.Errorf("reconcile: %w", err))
	}
	for _, e := range events {
		w.mu.Lock()
		w.known[e.Key] = e.Type != core.EventDeleted
		w.mu.Unlock()
		w.send(ctx, e)
	}
}

func (w *watchWorker) process(ctx context.Context, event fsnotify.Event) {
	if filepath.Dir(event.Name) != filepath.Clean(w.repo.Path) || !w.repo.isEntityFile(event.Name) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if w.repo.config.Logger != nil {
		w.repo.config.Logger.Debug("fs event", "name", event.Name, "op", event.Op.String())
	}

	key := keyOf(event.Name)
	w.debouncer.add(key, func() { w.settle(ctx, key) })
}

// settle classifies the change to key once the file stopped changing.
func (w *watchWorker) settle(ctx context.Context, key string) {
	model := w.repo.config.Model.Name()

	w.mu.Lock()
	wasKnown := w.known[key]
	w.mu.Unlock()

	path, exists := w.repo.find(key)
	if !exists {
		if !wasKnown {
			return
		}
		w.mu.Lock()
		delete(w.known, key)
		w.mu.Unlock()
		w.send(ctx, core.NewDeletedEvent(model, key))
		return
	}

	e, err := w.repo.load(path)
	if err != nil {
		w.repo.handleError(fmt.Errorf("load %s: %w", key, err))
		return
	}
	if info, err := os.Stat(path); err == nil {
		w.repo.cache.Set(key, info.ModTime())
	}

	w.mu.Lock()
	w.known[key] = true
	w.mu.Unlock()

	t := core.EventUpdated
	if !wasKnown {
		t = core.EventCreated
	}
	w.send(ctx, core.NewEvent(t, model, e))
}

func (w *watchWorker) send(ctx context.Context, e core.Event) {
	select {
	case w.events <- e:
	case <-ctx.Done():
	}
}

// debouncer collapses bursts of changes to the same key into one callback.
type debouncer struct {
	delay   time.Duration
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay, timers: make(map[string]*time.Timer)}
}

func (d *debouncer) add(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[key]; ok && t.Stop() {
		d.wg.Done()
	}
	d.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		if d.timers[key] == t {
			delete(d.timers, key)
		}
		d.mu.Unlock()
		fn()
	})
	d.timers[key] = t
}

// stopAndWait cancels pending callbacks and waits for running ones.
func (d *debouncer) stopAndWait() {
	d.mu.Lock()
	d.stopped = true
	for key, t := range d.timers {
		if t.Stop() {
			d.wg.Done()
		}
		delete(d.timers, key)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
