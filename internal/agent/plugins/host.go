package plugins

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
)

const reloadDebounce = 200 * time.Millisecond

// Host keeps the plugin tools of a directory registered in a tool registry
// and routed through a mux.
type Host struct {
	Dir      string
	Registry *tools.Registry
	Mux      *tools.Mux
	Runner   *Runner

	mu     sync.Mutex
	routed []string
}

// NewHost creates a host for dir.
func NewHost(dir string, registry *tools.Registry, mux *tools.Mux) *Host {
	return &Host{Dir: dir, Registry: registry, Mux: mux, Runner: NewRunner()}
}

// Reload re-reads the plugin directory and replaces every plugin tool. Tools
// whose names collide with an existing tool are skipped. It returns the
// names that were registered. Tools present before and after a reload stay
// callable throughout.
func (h *Host) Reload() ([]string, error) {
	manifests, err := Load(h.Dir)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var defs []tools.Definition
	for _, m := range manifests {
		for _, t := range m.Tools {
			defs = append(defs, t.Definition(m.ID))
		}
	}
	registered, skipped := h.Registry.ReplaceOrigin(tools.OriginPlugin, defs)

	// The first plugin to declare a name owns it.
	unclaimed := make(map[string]bool, len(registered))
	for _, name := range registered {
		unclaimed[name] = true
	}
	var active []Manifest
	for _, m := range manifests {
		kept := m
		kept.Tools = nil
		for _, t := range m.Tools {
			if !unclaimed[t.Name] {
				log.Warn().Err(skipped[t.Name]).Str("plugin", m.ID).Str("tool", t.Name).Msg("Skipping plugin tool")
				continue
			}
			delete(unclaimed, t.Name)
			kept.Tools = append(kept.Tools, t)
		}
		active = append(active, kept)
	}
	h.Runner.Set(active)
	h.Mux.Replace(h.routed, registered, h.Runner)
	h.routed = registered

	log.Info().Str("dir", h.Dir).Int("plugins", len(active)).Int("tools", len(h.routed)).Msg("Loaded plugins")
	return append([]string(nil), h.routed...), nil
}

// Watch reloads plugins whenever the directory tree changes, until ctx is
// done. The directory is created if it does not exist.
func (h *Host) Watch(ctx context.Context) error {
	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := h.addDirs(w); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		var (
			timer   *time.Timer
			timerCh <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = w.Add(event.Name)
					}
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				timerCh = timer.C
			case <-timerCh:
				timerCh = nil
				if _, err := h.Reload(); err != nil {
					log.Warn().Err(err).Str("dir", h.Dir).Msg("Plugin reload failed")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Plugin watcher error")
			}
		}
	}()
	return nil
}

func (h *Host) addDirs(w *fsnotify.Watcher) error {
	if err := w.Add(h.Dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(h.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = w.Add(filepath.Join(h.Dir, entry.Name()))
		}
	}
	return nil
}
