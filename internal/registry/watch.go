package registry

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher hot-reloads a Registry whenever its source directory changes.
// A successful reload replaces the registry's tool set in place as soon
// as the debounce settles, whether or not a run is in progress: it does
// not wait for a run to finish. Tasks already created keep the Tool they
// were built with; later Get calls, including the planner's lookups of
// chain successors, see the reloaded definitions.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	onError func(error)
}

// NewWatcher starts watching registry's source directory for changes.
func NewWatcher(registry *Registry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(registry.sourceDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{registry: registry, watcher: fsw, debounce: 250 * time.Millisecond}, nil
}

// OnError registers a callback invoked whenever a reload attempt fails.
// The prior, still-valid registry snapshot remains in effect.
func (w *Watcher) OnError(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = fn
}

// Run blocks, reloading the registry on debounced filesystem events until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			timer := time.NewTimer(w.debounce)
			pending = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Registry watcher received filesystem error")
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	reloaded, err := Load(w.registry.sourceDir, WithFilePattern(w.registry.pattern), WithPrivilege(w.registry.Privileged()))
	if err != nil {
		log.Warn().Err(err).Str("source", w.registry.sourceDir).Msg("Registry reload rejected, keeping previous snapshot")
		w.mu.Lock()
		cb := w.onError
		w.mu.Unlock()
		if cb != nil {
			cb(err)
		}
		return
	}

	w.registry.swap(reloaded.tools)
	log.Info().Str("source", w.registry.sourceDir).Int("tool_count", len(reloaded.tools)).Msg("Registry reloaded")
}
