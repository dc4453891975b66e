package userconfig

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 300 * time.Millisecond

// Watcher reloads the config file when it changes and reports the effective
// opt-in state. The callback runs on the watcher's goroutine.
type Watcher struct {
	path      string
	onChange  func(enabled bool)
	debounce  time.Duration
	watcher   *fsnotify.Watcher
	stopChan  chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewWatcher starts watching path. The containing directory is watched so
// editors that save by renaming a temp file are noticed too.
func NewWatcher(path string, onChange func(enabled bool)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: debounceDuration,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()

	slog.Debug("Started watching metrics config", "path", path)
	return w, nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopChan)
		err = w.watcher.Close()
		<-w.stopped
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Metrics config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.stopChan:
		return
	default:
	}

	cfg, err := LoadFrom(w.path)
	if err != nil {
		slog.Warn("Ignoring invalid metrics config change", "path", w.path, "error", err)
		return
	}
	w.onChange(cfg.TelemetryEnabled())
}
