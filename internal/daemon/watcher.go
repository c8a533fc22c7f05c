package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/ranya-bridge/internal/config"
	"github.com/harun/ranya-bridge/internal/observability"
	"github.com/harun/ranya-bridge/pkg/access"
	"github.com/rs/zerolog"
)

const reloadDebounce = 200 * time.Millisecond

// ConfigWatcher reloads allow-lists when the config file changes. Other
// settings only take effect after a restart.
type ConfigWatcher struct {
	path     string
	access   *access.Controller
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	enabled []string
	done    chan struct{}
	timer   *time.Timer

	// onReload is called after every reload attempt; tests hook it.
	onReload func(error)
}

// NewConfigWatcher creates a watcher for the config file at path.
func NewConfigWatcher(path string, controller *access.Controller, logger zerolog.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		path:     path,
		access:   controller,
		logger:   logger,
		debounce: reloadDebounce,
	}
}

// Start watches the directory holding the config file, so editors that
// replace the file atomically are seen too.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	if cfg, err := config.Load(w.path); err == nil {
		w.enabled = cfg.EnabledChannels()
	}

	w.mu.Lock()
	w.watcher = watcher
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx, watcher, w.done)
	w.logger.Info().Str("path", w.path).Msg("Watching config for allow-list changes")
	return nil
}

// Stop ends the watch. It is safe to call more than once.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	watcher := w.watcher
	done := w.done
	w.watcher = nil
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if watcher == nil {
		return
	}
	watcher.Close()
	<-done
}

func (w *ConfigWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *ConfigWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		err := w.Reload()
		if err != nil {
			w.logger.Error().Err(err).Msg("Config reload failed, keeping previous allow-lists")
		}
		if w.onReload != nil {
			w.onReload(err)
		}
	})
}

// Reload re-reads the config file and replaces every channel's allow-list.
func (w *ConfigWatcher) Reload() error {
	cfg, err := config.Load(w.path)
	if err != nil {
		return err
	}

	lists := cfg.AllowLists()
	for channel, ids := range lists {
		w.access.SetAllowList(channel, ids)
	}

	w.mu.Lock()
	previous := w.enabled
	w.enabled = cfg.EnabledChannels()
	changed := !slices.Equal(previous, w.enabled)
	w.mu.Unlock()
	if changed {
		w.logger.Warn().Strs("enabled", w.enabled).Msg("Enabled channels changed; restart required to apply")
	}

	counts := make(map[string]interface{}, len(lists))
	for channel, ids := range lists {
		counts[channel] = len(ids)
	}
	observability.RecordConfigAudit(context.Background(), "allow_list_reload", counts)
	w.logger.Info().Msg("Allow-lists reloaded")
	return nil
}
