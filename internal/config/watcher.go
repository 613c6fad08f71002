package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// fingerprint identifies one version of the config file. The modification
// time is a cheap pre-check; the content hash decides.
type fingerprint struct {
	modTime time.Time
	sum     [sha256.Size]byte
}

// Watcher polls a config file and hands every valid new version to a
// callback. A version that fails to parse or validate is logged and skipped,
// so Current always returns a config that passed validation.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	quit     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is polled. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path, fails if that first version is invalid, and starts
// polling. onChange may be nil; it runs on the polling goroutine after the
// new config became current.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, fp, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp

	go w.poll()
	return w, nil
}

// Current returns the newest valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and returns once an in-flight check has completed.
// Further calls return immediately.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.quit) })
	<-w.finished
}

func (w *Watcher) poll() {
	defer close(w.finished)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	same := info.ModTime().Equal(w.seen.modTime)
	w.mu.Unlock()
	if same {
		return
	}

	cfg, fp, err := w.load()
	if err != nil {
		slog.Warn("config: ignoring invalid update", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if fp.sum == w.seen.sum {
		// Touched but not edited.
		w.seen.modTime = fp.modTime
		w.mu.Unlock()
		return
	}
	prev := w.current
	w.current, w.seen = cfg, fp
	w.mu.Unlock()

	slog.Info("config: applied update", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev, cfg)
	}
}

func (w *Watcher) load() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{modTime: info.ModTime(), sum: sha256.Sum256(raw)}, nil
}
