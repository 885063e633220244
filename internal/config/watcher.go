package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats the config file.
const DefaultPollInterval = 5 * time.Second

// ReloadFunc receives what changed between the previous and the newly
// loaded config.
type ReloadFunc func(diff ConfigDiff, cur *Config)

// Watcher polls a config file and reports validated changes. Polling also
// works on bind-mounted files where inotify events are not delivered.
//
// An edit that fails validation is logged and ignored; the previous config
// stays current until a valid file appears.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	seen    fileState
}

// fileState identifies one version of the file on disk.
type fileState struct {
	mtime  time.Time
	digest [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultPollInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a Watcher seeded with it. Call
// [Watcher.Run] to start polling.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onReload: onReload,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, st
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Reload(false)
		}
	}
}

// Reload re-reads the file. Unless force is set, a file whose modification
// time is unchanged is skipped without being read. It reports whether a new
// config was applied.
func (w *Watcher) Reload(force bool) bool {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return false
		}
		w.mu.Lock()
		unchanged := info.ModTime().Equal(w.seen.mtime)
		w.mu.Unlock()
		if unchanged {
			return false
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	if st.digest == w.seen.digest {
		w.seen.mtime = st.mtime
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"hot_reload", diff.Changed(),
		"restart_required", diff.RestartRequired,
	)

	// Called outside the lock so the callback may use Current.
	if w.onReload != nil {
		w.onReload(diff, cfg)
	}
	return true
}

// read parses and validates the file and fingerprints its content.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := decodeBytes(data)
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), digest: sha256.Sum256(data)}, nil
}
