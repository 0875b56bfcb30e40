package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads form files in a directory when they change. Rapid saves
// are debounced; a file only reloads once it has been quiet for the settle
// duration.
type Watcher struct {
	registry *Registry
	dir      string
	watcher  *fsnotify.Watcher
	settle   time.Duration
	tick     time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
	reloads int
	onLoad  func(file string, err error)

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// WatchOption adjusts a Watcher.
type WatchOption func(*Watcher)

// WithSettle sets the quiet period before a changed file is reloaded.
func WithSettle(d time.Duration) WatchOption {
	return func(w *Watcher) {
		w.settle = d
		if d < w.tick {
			w.tick = d
		}
	}
}

// WithReloadHook is called after every reload attempt. Used by tests.
func WithReloadHook(fn func(file string, err error)) WatchOption {
	return func(w *Watcher) { w.onLoad = fn }
}

// Watch starts watching dir. The returned Watcher runs until ctx is done or
// Stop is called.
func (r *Registry) Watch(ctx context.Context, dir string, opts ...WatchOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		registry: r,
		dir:      dir,
		watcher:  fw,
		settle:   500 * time.Millisecond,
		tick:     100 * time.Millisecond,
		pending:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	go w.run(ctx)

	r.logger.Info().Str("dir", dir).Msg("watching catalog directory")
	return w, nil
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// Reloads is the number of reload attempts so far.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.watcher.Close()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	log := w.registry.logger
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("dir", w.dir).Msg("catalog watcher error")
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !isFormFile(ev.Name) {
		return
	}
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.mu.Lock()
		w.pending[ev.Name] = time.Now()
		w.mu.Unlock()
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		delete(w.pending, ev.Name)
		w.mu.Unlock()
		w.registry.Unload(ev.Name)
	}
}

// flush reloads every file that has settled.
func (w *Watcher) flush() {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for file, at := range w.pending {
		if now.Sub(at) >= w.settle {
			ready = append(ready, file)
			delete(w.pending, file)
		}
	}
	w.mu.Unlock()

	for _, file := range ready {
		_, err := w.registry.LoadFile(file)
		if err != nil {
			w.registry.logger.Warn().Str("file", file).Msg("keeping previous version of form")
		}
		w.mu.Lock()
		w.reloads++
		hook := w.onLoad
		w.mu.Unlock()
		if hook != nil {
			hook(file, err)
		}
	}
}
