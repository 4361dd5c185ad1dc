package config

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relaymux/gateway/internal/logging"
)

// Watcher keeps a Config loaded from disk current, reloading it whenever
// the file changes and notifying subscribers so callers like
// selector.Manager can invalidate their cached strategies.
type Watcher struct {
	path string

	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)

	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// NewWatcher loads path once synchronously, then starts a background
// fsnotify watch on it. Call Close to stop the watch.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := LoadOptional(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path: path,
		fsw:  fsw,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	w.current.Store(cfg)
	go w.run()
	return w, nil
}

// Current returns the most recently loaded Config. Safe for concurrent
// use; callers should treat the returned value as immutable.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnReload registers fn to be called, with the newly loaded Config, every
// time the watched file changes and reloads successfully.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done
	return w.fsw.Close()
}

func (w *Watcher) run() {
	defer close(w.done)
	// A single save often fires multiple fsnotify events (write + chmod);
	// debounce them into one reload.
	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-w.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Errorw("config watcher error", err, "path", w.path)
		case <-reload:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadOptional(w.path)
	if err != nil {
		logging.Errorw("config reload failed, keeping previous config", err, "path", w.path)
		return
	}
	w.current.Store(cfg)

	w.mu.Lock()
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	logging.Infof("config reloaded from %s", w.path)
}
