package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	watchDebounce = 100 * time.Millisecond
	pollInterval  = 5 * time.Second
)

// Watcher reloads the settings file when it changes and publishes the result
// as a snapshot. A reload that fails validation keeps the previous snapshot.
type Watcher struct {
	path        string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time

	mu       sync.RWMutex
	current  *Config
	onChange func(*Config)

	load func(string) (*Config, error)
}

// NewWatcher creates a watcher for the settings file behind initial.
func NewWatcher(initial *Config) (*Watcher, error) {
	if initial == nil || initial.Path == "" {
		return nil, fmt.Errorf("config was not loaded from a file")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     initial.Path,
		watcher:  fw,
		stopChan: make(chan struct{}),
		current:  initial,
		load:     Load,
	}
	if stat, err := os.Stat(w.path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Snapshot returns the most recently loaded config.
func (w *Watcher) Snapshot() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching. When the directory cannot be watched it falls back
// to polling the file's modification time.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}
	go w.handleEvents(w.watcher.Events, w.watcher.Errors)
	log.Info().Str("path", w.path).Msg("Started watching settings file for changes")
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload re-reads the settings file now.
func (w *Watcher) Reload() error {
	cfg, err := w.load(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Settings reload failed, keeping previous config")
		return err
	}

	w.mu.Lock()
	w.current = cfg
	callback := w.onChange
	w.mu.Unlock()

	log.Info().Str("path", w.path).Str("mode", cfg.Mode).Msg("Reloaded settings")
	if callback != nil {
		callback(cfg)
	}
	return nil
}

func (w *Watcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish.
			time.Sleep(watchDebounce)
			log.Debug().Str("event", event.Op.String()).Msg("Detected settings file change")
			_ = w.Reload()

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.pollOnce()
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollOnce() {
	stat, err := os.Stat(w.path)
	if err != nil || !stat.ModTime().After(w.lastModTime) {
		return
	}
	log.Debug().Msg("Detected settings file change via polling")
	w.lastModTime = stat.ModTime()
	_ = w.Reload()
}
