package am

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/logger"
)

// ReloadCallback receives the reloaded configuration.
type ReloadCallback func(*Config) error

// ConfigWatcher reloads the configuration when one of its files changes.
type ConfigWatcher struct {
	watcher        *fsnotify.Watcher
	files          map[string]bool
	debouncePeriod time.Duration

	mu            sync.Mutex
	callbacks     []ReloadCallback
	debounceTimer *time.Timer
	ownWriteUntil time.Time
	started       bool
	done          chan struct{}
	stopOnce      sync.Once
}

var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher watches paths. Their directories are watched rather
// than the files, so editors that replace files by renaming are noticed.
func NewConfigWatcher(paths ...string) (*ConfigWatcher, error) {
	if len(paths) == 0 {
		return nil, errors.New("no config file to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	cw := &ConfigWatcher{
		watcher:        w,
		files:          make(map[string]bool),
		debouncePeriod: 500 * time.Millisecond,
		done:           make(chan struct{}),
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			w.Close()
			return nil, errors.Wrapf(err, "resolve %s", p)
		}
		cw.files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, errors.Wrapf(err, "failed to watch %s", dir)
		}
		dirs[dir] = true
	}
	return cw, nil
}

// OnReload registers a callback.
func (cw *ConfigWatcher) OnReload(cb ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, cb)
}

// ownWriteWindow covers the several events one file write produces.
const ownWriteWindow = time.Second

// MarkOwnWrite makes the watcher ignore changes for a short while, because
// this process is about to write the file.
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.ownWriteUntil = time.Now().Add(ownWriteWindow)
}

func (cw *ConfigWatcher) isOwnWrite() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return time.Now().Before(cw.ownWriteUntil)
}

// Start watches in a goroutine until Stop.
func (cw *ConfigWatcher) Start() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.started {
		return
	}
	cw.started = true
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.files[ev.Name] || isBackupFile(ev.Name) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if cw.isOwnWrite() {
				logger.Debugw("Config watcher ignoring own write", "file", ev.Name)
				continue
			}
			logger.Infow("Config watcher detected change", "file", ev.Name, "op", ev.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload coalesces bursts of events into one reload.
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.reload(); err != nil {
			logger.Errorw("Config reload failed", "error", err)
		}
	})
}

func (cw *ConfigWatcher) reload() error {
	Reset()
	cfg, err := Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid")
	}
	logger.Infow("Config reloaded")

	cw.mu.Lock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()
	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			logger.Warnw("Config reload callback error", "error", err)
		}
	}
	return nil
}

// Stop ends the watch loop and cancels a pending reload.
func (cw *ConfigWatcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		if cw.debounceTimer != nil {
			cw.debounceTimer.Stop()
		}
		started := cw.started
		cw.mu.Unlock()
		err = cw.watcher.Close()
		if started {
			<-cw.done
		}
	})
	return err
}

func isBackupFile(path string) bool {
	ext := filepath.Ext(path)
	return strings.HasPrefix(ext, ".back")
}

// SetGlobalWatcher registers the watcher WriteDefault notifies.
func SetGlobalWatcher(w *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = w
}

// GetGlobalWatcher returns the registered watcher, or nil.
func GetGlobalWatcher() *ConfigWatcher {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	return globalWatcher
}
