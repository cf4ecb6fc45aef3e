package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and reports every change that survives
// validation as a [ConfigDiff]. Edits that leave the effective configuration
// unchanged, such as comments or reformatting, are not reported. Environment
// overrides are reapplied on every load, so an override keeps winning over
// the file.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(ConfigDiff)
	lookup   LookupFunc

	mu      sync.Mutex
	current *Config
	seen    fileState

	done     chan struct{}
	stopOnce sync.Once
}

// fileState identifies a version of the config file. The modification time
// is a cheap pre-check; the hash decides.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithLookup replaces the environment lookup used on every load. Pass nil to
// ignore the environment.
func WithLookup(fn LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = fn }
}

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange, if non-nil, runs on
// the polling goroutine after [Watcher.Current] already returns the new
// config.
func NewWatcher(path string, onChange func(ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		lookup:   os.LookupEnv,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, state, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen = cfg, state

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Later calls do nothing.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if d, ok := w.reload(); ok && w.onChange != nil {
				w.onChange(d)
			}
		case <-w.done:
			return
		}
	}
}

// reload picks up a new version of the file and reports whether it changed
// anything. A rejected file leaves the previous config current.
func (w *Watcher) reload() (ConfigDiff, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return ConfigDiff{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().Equal(w.seen.mtime) {
		return ConfigDiff{}, false
	}

	cfg, state, err := w.load()
	if err != nil {
		slog.Warn("config: reload rejected; keeping previous config", "path", w.path, "err", err)
		// Remember the mtime so a bad edit is reported once.
		w.seen.mtime = info.ModTime()
		return ConfigDiff{}, false
	}
	unchanged := state.hash == w.seen.hash
	w.seen = state
	if unchanged {
		return ConfigDiff{}, false
	}

	d := Diff(w.current, cfg)
	w.current = cfg
	if d.Empty() {
		slog.Debug("config: file changed without effect", "path", w.path)
		return ConfigDiff{}, false
	}
	slog.Info("config: reloaded", "path", w.path, "restart_required", d.RestartRequired)
	return d, true
}

// load reads and validates the file, returning the config along with the
// state it was read from.
func (w *Watcher) load() (*Config, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fileState{}, err
	}

	cfg, err := decode(bytes.NewReader(data))
	if err == nil {
		cfg, err = finish(cfg, w.lookup)
	}
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
