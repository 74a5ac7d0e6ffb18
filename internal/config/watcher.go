package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// revision identifies one version of the config file on disk.
type revision struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// unchanged reports whether info still describes r, without reading the file.
func (r revision) unchanged(info os.FileInfo) bool {
	return info.ModTime().Equal(r.mtime) && info.Size() == r.size
}

func (r revision) String() string { return hex.EncodeToString(r.sum[:6]) }

// Watcher polls a config file and hands every new valid revision to a
// callback. Reloaded files get the same environment overrides as [Load]. An
// invalid revision is logged once and skipped; the last valid config stays
// current.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)
	getenv   func(string) string
	log      *slog.Logger

	checkMu sync.Mutex // serialises Check, including the callback

	mu      sync.Mutex
	current *Config
	seen    revision // last revision read, valid or not

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithEnv replaces the environment lookup used for overrides. Default:
// [os.Getenv].
func WithEnv(getenv func(string) string) WatcherOption {
	return func(w *Watcher) {
		if getenv != nil {
			w.getenv = getenv
		}
	}
}

// WithWatchLogger sets the logger for reload and rejection messages.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it in the background. apply may
// be nil, in which case the watcher only keeps [Watcher.Current] fresh.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		getenv:   os.Getenv,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, rev, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := parse(data, w.getenv)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, rev

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for a reload in progress to finish. Calling it
// again is a no-op.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check polls the file once. It reports whether a new valid revision was
// found, in which case the callback has already run.
func (w *Watcher) Check() bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if seen.unchanged(info) {
		return false
	}

	data, rev, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return false
	}
	if rev.sum == seen.sum {
		// Touched, same content.
		w.mu.Lock()
		w.seen = rev
		w.mu.Unlock()
		return false
	}

	cfg, err := parse(data, w.getenv)
	w.mu.Lock()
	w.seen = rev
	old := w.current
	if err == nil {
		w.current = cfg
	}
	w.mu.Unlock()
	if err != nil {
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "revision", rev, "err", err)
		return false
	}

	w.log.Info("config watcher: configuration reloaded", "path", w.path, "revision", rev)
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return true
}

// read returns the file content and the revision it belongs to.
func (w *Watcher) read() ([]byte, revision, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, revision{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, revision{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, revision{}, err
	}
	return data, revision{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
