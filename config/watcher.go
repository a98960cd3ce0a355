package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceDelay is how long the watcher waits for writes to settle.
const DefaultDebounceDelay = 500 * time.Millisecond

// ReloadFunc produces a fresh configuration, typically by re-running a Loader.
type ReloadFunc func() (*Config, error)

// ChangeFunc receives a reloaded, validated configuration.
type ChangeFunc func(*Config) error

// Watcher reloads configuration when the config file changes.
// Invalid files are logged and ignored; the previous configuration stays active.
type Watcher struct {
	path     string
	reload   ReloadFunc
	onChange ChangeFunc
	debounce time.Duration
	logger   *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce delay.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, reload ReloadFunc, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path required")
	}
	if reload == nil || onChange == nil {
		return nil, fmt.Errorf("reload and change functions required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	w := &Watcher{
		path:     abs,
		reload:   reload,
		onChange: onChange,
		debounce: DefaultDebounceDelay,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is done. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directory: editors often replace the file by rename.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.logger.Info("Config watcher started", "path", w.path, "debounce", w.debounce)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("Config change detected", "path", w.path, "op", event.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-timer.C:
			w.apply()
		}
	}
}

// apply reloads and hands the result to onChange.
func (w *Watcher) apply() {
	cfg, err := w.reload()
	if err != nil {
		w.logger.Warn("Ignoring invalid config change", "path", w.path, "error", err)
		return
	}
	if err := w.onChange(cfg); err != nil {
		w.logger.Warn("Config change rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("Configuration reloaded",
		"path", w.path,
		"max_attempts", cfg.Retry.MaxAttempts,
		"overall_budget", cfg.Retry.OverallBudget)
}
