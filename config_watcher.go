package main

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"ApkExtractor/pkg/adb"
)

// ConfigWatcher reloads the success patterns when the config file changes on disk.
type ConfigWatcher struct {
	path    string
	apply   func(adb.Patterns)
	delay   time.Duration
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	mu      sync.Mutex
}

// NewConfigWatcher creates a watcher for path; apply receives every successfully reloaded pattern set.
func NewConfigWatcher(path string, apply func(adb.Patterns)) *ConfigWatcher {
	return &ConfigWatcher{
		path:   path,
		apply:  apply,
		delay:  300 * time.Millisecond,
		stopCh: make(chan struct{}),
	}
}

// Start begins watching. The directory is watched, not the file, so editors
// that replace the file atomically are still seen.
func (w *ConfigWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.path == "" || w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	LogInfo("config_watcher").Str("path", w.path).Msg("Started watching config file")

	go w.watch(watcher)
	return nil
}

// Stop stops watching
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		close(w.stopCh)
		w.watcher.Close()
		w.watcher = nil
		LogInfo("config_watcher").Msg("Stopped watching config file")
	}
}

func (w *ConfigWatcher) watch(watcher *fsnotify.Watcher) {
	var debounceTimer *time.Timer
	target := filepath.Clean(w.path)

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// editors write in bursts
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.delay, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			LogError("config_watcher").Err(err).Msg("Watcher error")
		}
	}
}

// reload re-reads the file. A broken file keeps the previous patterns.
func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(viper.New(), w.path)
	if err != nil {
		LogWarn("config_watcher").Err(err).Msg("Config reload failed, keeping previous patterns")
		return
	}
	LogInfo("config_watcher").Str("path", w.path).Msg("Config reloaded")
	w.apply(cfg.Patterns)
}
