package core

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher re-reads the configuration file when it changes and hands
// the merged result to a callback. Per-service resilience and rate-limit
// settings can therefore be tuned without a restart.
type ConfigWatcher struct {
	path     string
	base     func() *Config
	onChange func(*Config)
	logger   Logger
	debounce time.Duration
}

// NewConfigWatcher creates a watcher for the given file. base must return a
// freshly layered Config (defaults + env) for the file to be applied onto.
func NewConfigWatcher(path string, base func() *Config, onChange func(*Config), logger Logger) *ConfigWatcher {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &ConfigWatcher{
		path:     path,
		base:     base,
		onChange: onChange,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}
}

// Run watches until the context is cancelled. Errors reloading a changed
// file are logged and the previous configuration stays in effect.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors produce bursts of writes; coalesce them.
			pending = time.After(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", map[string]interface{}{
				"path":  w.path,
				"error": err.Error(),
			})
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg := w.base()
	if err := cfg.LoadFromFile(w.path); err != nil {
		w.logger.Error("Config reload failed, keeping previous settings", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error("Reloaded config invalid, keeping previous settings", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}
	w.logger.Info("Configuration reloaded", map[string]interface{}{
		"path":     w.path,
		"services": len(cfg.Services),
	})
	w.onChange(cfg)
}
