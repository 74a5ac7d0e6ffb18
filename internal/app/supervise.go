package app

import (
	"context"
	"time"

	"github.com/MrWong99/aoip/internal/config"
	"github.com/MrWong99/aoip/internal/engine"
)

// counters are the cumulative values the supervisor reports deltas of.
type counters struct {
	overflows  uint64
	underruns  uint64
	dropped    uint64
	mismatches uint64
	xruns      uint64
	poisoned   uint64
	degraded   int
}

func (a *App) sample() counters {
	st := a.bridge.Stats()
	c := counters{
		overflows: st.Overflows(),
		underruns: st.Underruns(),
		poisoned:  st.Poisoned,
		xruns:     engine.Xruns(a.engine),
	}
	for _, p := range st.Ports {
		c.dropped += p.Dropped
		c.mismatches += p.Mismatches
	}
	for _, ch := range a.channels {
		if ch.Degraded() {
			c.degraded++
		}
	}
	return c
}

// supervise logs realtime diagnostics at most once per tick until ctx is
// done. The realtime callback only bumps counters; this is where they become
// log lines.
func (a *App) supervise(ctx context.Context) {
	ticker := time.NewTicker(a.superviseInterval)
	defer ticker.Stop()

	prev := a.sample()
	poisonReported := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur := a.sample()
		if a.gate.Poisoned() {
			if !poisonReported {
				a.log.Error("run-gate poisoned, treating as stopped")
				poisonReported = true
			}
		} else {
			poisonReported = false
		}
		if d := cur.overflows - prev.overflows; d > 0 {
			a.log.Warn("ring overflow", "frames", d)
		}
		if d := cur.underruns - prev.underruns; d > 0 {
			a.log.Warn("playback underrun", "periods", d)
		}
		if d := cur.dropped - prev.dropped; d > 0 {
			a.log.Warn("capture frames dropped on busy ring", "frames", d)
		}
		if d := cur.mismatches - prev.mismatches; d > 0 {
			a.log.Error("engine buffer length mismatch", "buffers", d)
		}
		if d := cur.xruns - prev.xruns; d > 0 {
			a.log.Warn("engine xrun", "count", d)
		}
		if cur.degraded != prev.degraded {
			a.log.Info("degraded channels", "count", cur.degraded, "total", len(a.channels))
		}
		prev = cur
	}
}

// initWatcher starts polling the config file.
func (a *App) initWatcher() error {
	opts := []config.WatcherOption{config.WithWatchLogger(a.log)}
	if a.watchInterval > 0 {
		opts = append(opts, config.WithInterval(a.watchInterval))
	}
	w, err := config.NewWatcher(a.configPath, a.reload, opts...)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// Reload re-reads the config file now instead of waiting for the next poll.
// It reports whether a new revision was applied, and is a no-op without a
// config path.
func (a *App) Reload() bool {
	if a.watcher == nil {
		return false
	}
	return a.watcher.Check()
}

// reload applies the hot-reloadable parts of a changed config file.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.GateChanged {
		a.gate.Set(d.GateEnabled)
		a.log.Info("gate changed", "enabled", d.GateEnabled, "source", "config")
	}
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.log.Warn("log level change requires restart", "level", d.NewLogLevel)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes ignored until restart", "sections", d.RestartRequired)
	}
}
