package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] looks at its file.
const DefaultWatchInterval = 5 * time.Second

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the active config.
var ErrUnchanged = errors.New("config: unchanged")

// fingerprint identifies one version of the config file. mtime and size
// allow skipping the read; sum decides whether the content really changed.
type fingerprint struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher keeps the running voice desk in step with its config file.
// Accepted edits are handed to the change callback, which decides what can
// be applied live (see [Diff]). Edits that fail validation are logged and
// ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fingerprint
	lastErr error
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for reload events. Default: slog.Default().
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher reads the file at path and returns a watcher holding it as the
// active config. The file must exist and validate.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen = cfg, fp
	w.log = w.log.With("path", path)
	return w, nil
}

// Current returns the active config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// LastError returns the error of the most recent rejected edit, or nil once
// a later edit was accepted.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Run polls the file until ctx ends. It returns nil so it can run in the
// same errgroup as the HTTP server.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if !w.touched() {
			continue
		}
		switch err := w.Reload(); {
		case err == nil, errors.Is(err, ErrUnchanged):
		default:
			w.log.Warn("config: edit rejected, keeping active config", "err", err)
		}
	}
}

// Reload reads the file now. A valid, changed file becomes the active
// config and the change callback runs before Reload returns. An invalid
// file leaves the active config in place and its error is returned.
func (w *Watcher) Reload() error {
	cfg, fp, err := w.read()

	w.mu.Lock()
	if err != nil {
		// Remember the rejected version so Run does not report it again.
		if !fp.mtime.IsZero() {
			w.seen.mtime, w.seen.size = fp.mtime, fp.size
		}
		w.lastErr = err
		w.mu.Unlock()
		return err
	}
	w.lastErr = nil
	if fp.sum == w.seen.sum {
		w.seen = fp
		w.mu.Unlock()
		return ErrUnchanged
	}
	old := w.current
	w.current, w.seen = cfg, fp
	w.mu.Unlock()

	w.log.Info("config: reloaded")
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

// touched reports whether the file's mtime or size moved since the last
// read. Stat failures count as untouched; a file being replaced is picked up
// on a later tick.
func (w *Watcher) touched() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Debug("config: stat failed", "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.seen.mtime) || info.Size() != w.seen.size
}

func (w *Watcher) read() (*Config, fingerprint, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fingerprint{}, err
	}
	fp := fingerprint{mtime: info.ModTime(), size: info.Size()}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fp, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fp, err
	}
	fp.sum = sha256.Sum256(buf.Bytes())
	return cfg, fp, nil
}
