// Package app wires all aoip subsystems into a running bridge.
//
// The App struct owns the full lifecycle: New builds the rings, transports,
// network workers, realtime bridge and audio engine; Run starts the engine
// and supervises the network goroutines; Shutdown tears everything down in
// order.
//
// Every failure inside New is a [StartupError]: nothing realtime has started
// yet and the process is expected to exit. For testing, inject doubles via
// functional options (WithEngine, WithMetrics, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aoip/internal/bridge"
	"github.com/MrWong99/aoip/internal/config"
	"github.com/MrWong99/aoip/internal/control"
	"github.com/MrWong99/aoip/internal/engine"
	"github.com/MrWong99/aoip/internal/engine/clock"
	"github.com/MrWong99/aoip/internal/engine/portaudio"
	"github.com/MrWong99/aoip/internal/gate"
	"github.com/MrWong99/aoip/internal/health"
	"github.com/MrWong99/aoip/internal/link"
	"github.com/MrWong99/aoip/internal/observe"
)

// DefaultSuperviseInterval is how often the supervisor reports diagnostics.
const DefaultSuperviseInterval = time.Second

// StartupError is returned by [New] and [App.Run] when the bridge cannot be
// brought up: the engine is unavailable, its period does not match, or an
// address cannot be bound.
type StartupError struct {
	// Stage names the initialisation step that failed, e.g. "engine" or
	// "link studio".
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("app: startup failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	level   *slog.LevelVar
	session string

	gate     *gate.Gate
	bridge   *bridge.Bridge
	engine   engine.Engine
	meter    *clock.Meter
	channels []*link.Channel
	workers  []link.Worker

	metrics        *observe.Metrics
	metricsHandler http.Handler
	control        *control.Server
	listener       net.Listener

	configPath        string
	watcher           *config.Watcher
	watchInterval     time.Duration
	superviseInterval time.Duration

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects an audio engine instead of creating one from config.
func WithEngine(e engine.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithMetrics injects the metric instruments instead of the process-wide
// defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel hands the app the level variable behind the logger so that log
// level changes can be applied on config reload.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload of path. Gate and log level changes are
// applied live; everything else is logged and ignored until restart.
func WithConfigPath(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithSession sets the session id instead of generating one.
func WithSession(id string) Option {
	return func(a *App) { a.session = id }
}

// WithSuperviseInterval sets how often the supervisor logs diagnostics.
func WithSuperviseInterval(d time.Duration) Option {
	return func(a *App) { a.superviseInterval = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must have been
// validated. New opens every socket and the audio engine synchronously so
// that bind failures and engine problems surface before Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:               cfg,
		superviseInterval: DefaultSuperviseInterval,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.session == "" {
		a.session = uuid.NewString()
	}
	a.log = a.log.With("session", a.session)
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	a.log.Info("bridge ready",
		"engine", engineName(a.engine),
		"period_size", cfg.Audio.PeriodSize,
		"sample_rate", cfg.Audio.SampleRate,
		"capture", a.bridge.Inputs(),
		"playback", a.bridge.Outputs(),
		"workers", len(a.workers),
		"gate", a.gate.Enabled(),
	)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Run-Gate ──────────────────────────────────────────────────────
	a.gate = gate.New(a.cfg.Gate.Enabled)

	// ── 2. Links: rings, transports, workers ─────────────────────────────
	ports, err := a.initLinks(ctx)
	if err != nil {
		return err
	}

	// ── 3. Realtime bridge ───────────────────────────────────────────────
	a.bridge, err = bridge.New(bridge.Config{
		PeriodSize: a.cfg.Audio.PeriodSize,
		Capture:    ports.capture,
		Playback:   ports.playback,
	}, a.gate)
	if err != nil {
		return &StartupError{Stage: "bridge", Err: err}
	}

	// ── 4. Audio engine ──────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return &StartupError{Stage: "engine", Err: err}
	}

	// ── 5. Runtime metrics ───────────────────────────────────────────────
	reg, err := a.metrics.ObserveRuntime(a.bridge, a.gate)
	if err != nil {
		return fmt.Errorf("app: init metrics: %w", err)
	}
	a.closers = append(a.closers, reg.Unregister)

	// ── 6. Control plane ─────────────────────────────────────────────────
	if err := a.initControl(); err != nil {
		return &StartupError{Stage: "control plane", Err: err}
	}

	// ── 7. Config hot reload ─────────────────────────────────────────────
	if a.configPath != "" {
		if err := a.initWatcher(); err != nil {
			return fmt.Errorf("app: init config watcher: %w", err)
		}
	}
	return nil
}

// initEngine creates (unless injected) and opens the audio engine with the
// bridge as its callback.
func (a *App) initEngine() error {
	if a.engine == nil {
		e, err := a.buildEngine()
		if err != nil {
			return err
		}
		a.engine = e
	}
	spec := engine.Spec{
		Inputs:     a.bridge.Inputs(),
		Outputs:    a.bridge.Outputs(),
		PeriodSize: a.bridge.PeriodSize(),
		SampleRate: float64(a.cfg.Audio.SampleRate),
	}
	if err := a.engine.Open(spec, a.bridge.Process); err != nil {
		return err
	}
	a.closers = append(a.closers, a.engine.Close)
	return nil
}

func (a *App) buildEngine() (engine.Engine, error) {
	ac := a.cfg.Audio
	switch ac.Engine {
	case config.EnginePortAudio:
		return portaudio.New(ac.Device), nil
	case config.EngineClock:
		var src clock.Source
		switch ac.Source.Kind {
		case config.SourceTone:
			src = clock.NewTone(ac.Source.Frequency, float64(ac.SampleRate))
		case config.SourceFile:
			f, err := clock.OpenFile(ac.Source.Path, ac.SampleRate)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", engine.ErrUnavailable, err)
			}
			src = f
		default:
			src = clock.Silence{}
		}
		a.meter = clock.NewMeter(a.bridge.Outputs())
		return clock.New(clock.Config{Source: src, Sink: a.meter}), nil
	}
	return nil, fmt.Errorf("%w: unknown engine %q", engine.ErrUnavailable, ac.Engine)
}

func engineName(e engine.Engine) string {
	switch e.(type) {
	case *portaudio.Engine:
		return string(config.EnginePortAudio)
	case *clock.Engine:
		return string(config.EngineClock)
	}
	return fmt.Sprintf("%T", e)
}

// initControl binds the HTTP listener so a busy port fails startup.
func (a *App) initControl() error {
	checkers := []health.Checker{
		health.NotPoisoned("gate", a.gate),
		health.Connected("links", connectors(a.workers)...),
		health.NotDegraded("channels", degradables(a.channels)...),
	}
	h := health.New(checkers, health.WithStatus(func() any { return a.Snapshot() }))

	a.control = control.New(control.Config{
		Gate:           a.gate,
		Snapshot:       a.Snapshot,
		Health:         h,
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
		Logger:         a.log,
	})

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.closers = append(a.closers, func() error {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	return nil
}

func connectors(ws []link.Worker) []health.Connector {
	out := make([]health.Connector, len(ws))
	for i, w := range ws {
		out[i] = w
	}
	return out
}

func degradables(chs []*link.Channel) []health.Degradable {
	out := make([]health.Degradable, len(chs))
	for i, c := range chs {
		out[i] = c
	}
	return out
}

// Session returns the id attached to every log line of this run.
func (a *App) Session() string { return a.session }

// Gate returns the Run-Gate.
func (a *App) Gate() *gate.Gate { return a.gate }

// Handler returns the control-plane handler.
func (a *App) Handler() http.Handler { return a.control.Handler() }

// Addr returns the bound control-plane address, or nil when the control
// plane is disabled.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Snapshot returns the current runtime status.
func (a *App) Snapshot() control.Snapshot {
	snap := control.Snapshot{
		Session: a.session,
		Time:    time.Now().UTC(),
		Gate: control.GateState{
			Enabled:  a.gate.Enabled(),
			Poisoned: a.gate.Poisoned(),
			Updates:  a.gate.Updates(),
		},
		Bridge:   a.bridge.Stats(),
		Links:    make([]control.LinkState, 0, len(a.workers)),
		Channels: make([]link.ChannelStatus, 0, len(a.channels)),
	}
	for _, w := range a.workers {
		snap.Links = append(snap.Links, control.LinkState{Worker: w.Name(), Connected: w.Connected()})
	}
	for _, c := range a.channels {
		snap.Channels = append(snap.Channels, c.Status())
	}
	return snap
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the audio engine and blocks until ctx is cancelled or a network
// worker fails for good. The engine is stopped before Run returns. A nil
// return means a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Workers close their sockets when their context ends, which must come
	// after the engine callback is deactivated.
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	for _, w := range a.workers {
		g.Go(func() error { return w.Run(workCtx) })
	}
	if a.listener != nil {
		g.Go(func() error { return a.control.Serve(gctx, a.listener) })
	}
	g.Go(func() error {
		a.supervise(gctx)
		return nil
	})

	if err := a.engine.Start(); err != nil {
		a.log.Error("engine failed to start", "err", err)
		startErr := &StartupError{Stage: "engine start", Err: err}
		// Unblock the goroutines above through a failing member.
		g.Go(func() error { return startErr })
		<-gctx.Done()
		stopWorkers()
		_ = g.Wait()
		return startErr
	}
	a.log.Info("bridge running")

	<-gctx.Done()
	if err := a.engine.Stop(); err != nil {
		a.log.Warn("engine stop failed", "err", err)
	}
	stopWorkers()
	err := g.Wait()
	if err != nil {
		a.log.Error("bridge stopped", "err", err)
		return err
	}
	a.log.Info("bridge stopped")
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the engine and releases every resource. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned. Shutdown is
// idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		if a.engine != nil {
			if err := a.engine.Stop(); err != nil {
				a.log.Warn("engine stop failed", "err", err)
			}
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

// closeAll releases resources acquired by a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
