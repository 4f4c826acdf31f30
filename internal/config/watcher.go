package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Reload is delivered to a [Watcher] callback after the config file changed
// to a new valid configuration.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file and reports valid edits. Invalid edits are
// logged and leave the current config in place.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(Reload)
	onError  func(error)

	current atomic.Pointer[Config]
	seen    stamp
}

// stamp identifies one version of the file on disk.
type stamp struct {
	size int64
	mod  time.Time
	sum  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithErrorHandler is called for every edit that cannot be loaded.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path once and returns a watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, apply func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, apply: apply}
	for _, opt := range opts {
		opt(w)
	}
	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current.Store(cfg)
	w.seen = st
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Run polls until ctx is done and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.Check()
		}
	}
}

// Check compares the file with the last version seen and applies it when the
// content changed. It reports whether a reload was delivered.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.fail(err)
		return false
	}
	if info.Size() == w.seen.size && info.ModTime().Equal(w.seen.mod) {
		return false
	}

	cfg, st, err := w.read()
	if err != nil {
		w.fail(err)
		return false
	}
	sameContent := st.sum == w.seen.sum
	w.seen = st
	if sameContent {
		return false
	}

	old := w.current.Swap(cfg)
	d := Diff(old, cfg)
	if d.Empty() {
		slog.Debug("config file edited without effective changes", "path", w.path)
		return false
	}
	slog.Info("config reloaded", "path", w.path, "restart_required", d.RestartRequired)
	if w.apply != nil {
		w.apply(Reload{Old: old, New: cfg, Diff: d})
	}
	return true
}

func (w *Watcher) fail(err error) {
	slog.Warn("config reload failed", "path", w.path, "err", err)
	if w.onError != nil {
		w.onError(err)
	}
}

func (w *Watcher) read() (*Config, stamp, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{size: info.Size(), mod: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
