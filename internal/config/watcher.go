package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a watch configuration file while the engine runs in
// shell-observation (socket) mode. Command mode never constructs one: a
// single short-lived invocation has no long enough lifetime for a reload
// to matter.
type Watcher struct {
	path   string
	cfg    *WatchConfig
	fsw    *fsnotify.Watcher
	logger *log.Logger

	mu       sync.RWMutex
	onReload []func(*WatchConfig)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates the fsnotify watcher for the configuration file.
// Start adds the watch, falling back to the file's containing directory
// if the file itself cannot be watched.
func NewWatcher(path string, initial *WatchConfig, logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{path: path, cfg: initial, fsw: fsw, logger: logger}, nil
}

// Start begins watching for changes in the background.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.fsw.Add(w.path); err != nil {
		dir := filepath.Dir(w.path)
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch config file/dir: %w", err)
		}
		w.logger.Printf("watching directory %s for config changes", dir)
	} else {
		w.logger.Printf("watching config file %s for changes", w.path)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	return nil
}

// Stop shuts the watcher down and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.fsw.Close()
	w.wg.Wait()
}

// OnReload registers a callback invoked with the new configuration after a
// successful reload. Callbacks run synchronously, in registration order,
// on the goroutine of the debounce timer that triggers the reload.
func (w *Watcher) OnReload(fn func(*WatchConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Current returns the active configuration.
func (w *Watcher) Current() *WatchConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&fsnotify.Write == fsnotify.Write || ev.Op&fsnotify.Create == fsnotify.Create {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(w.cfg.Settings.ReloadDebounce, w.reload)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	newCfg, err := Load(w.path)
	if err != nil {
		w.logger.Printf("config reload failed, keeping previous config: %v", err)
		return
	}

	w.mu.Lock()
	w.cfg = newCfg
	callbacks := make([]func(*WatchConfig), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	w.logger.Printf("config reloaded from %s", w.path)
	for _, cb := range callbacks {
		cb(newCfg)
	}
}
