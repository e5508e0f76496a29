package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/termpilot/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Watcher reloads config.toml when it changes on disk.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Watch starts watching path. The parent directory is watched rather than
// the file because editors commonly save by renaming a temp file over it.
// onChange receives each successfully parsed config; parse errors are
// logged and the previous config stays in effect.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fw,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var (
		debounceMu sync.Mutex
		debounce   *time.Timer
	)
	defer func() {
		debounceMu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		debounceMu.Unlock()
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			debounceMu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)
			debounceMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			configLog.Warn("config_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := LoadFile(w.path)
	if err != nil {
		configLog.Warn("config_reload_failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	store(cfg)
	configLog.Info("config_reloaded", slog.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
