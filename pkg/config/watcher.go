package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
)

// Watcher hot-reloads configuration from disk on write/create events, with a
// short debounce to absorb editor save bursts (temp-file-then-rename writes
// fire multiple fs events for a single logical change).
type Watcher struct {
	path    string
	mu      sync.RWMutex
	cfg     *Config
	watcher *fsnotify.Watcher
	onChange []func(*Config)
	logger  *logging.Logger
}

// NewWatcher loads the initial configuration and arms an fsnotify watch on
// the configuration file's own path.
func NewWatcher(path string, logger *logging.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, err
	}

	if logger == nil {
		logger = logging.Global()
	}

	return &Watcher{
		path:    path,
		cfg:     cfg,
		watcher: fw,
		logger:  logger,
	}, nil
}

// Config returns the current configuration snapshot.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback invoked after a successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start runs the event loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(100 * time.Millisecond)
			debounceC = debounce.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-debounceC:
			debounceC = nil
			if err := w.reload(); err != nil {
				w.logger.Error("config reload failed", "error", err, "path", w.path)
				continue
			}
			w.mu.RLock()
			cfg := w.cfg
			callbacks := append([]func(*Config){}, w.onChange...)
			w.mu.RUnlock()
			for _, fn := range callbacks {
				fn(cfg)
			}
		}
	}
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	w.logger.Info("configuration reloaded", "path", w.path)
	return nil
}

// Close releases the underlying fsnotify watch.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
