// Package clock implements a software [engine.Engine] driven by a timer.
//
// The clock engine stands in for a sound card on headless relays and in
// tests: capture buffers are filled from a [Source] and playback buffers are
// handed to a [Sink]. Periods are scheduled against an absolute timeline, so
// a slow period is followed by catch-up periods rather than drift; every
// period that starts later than one full period behind schedule is counted
// as an xrun.
package clock

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/aoip/internal/engine"
	"github.com/MrWong99/aoip/pkg/audio"
)

// Config configures an [Engine].
type Config struct {
	// Source fills capture buffers. Default: [Silence].
	Source Source

	// Sink receives playback buffers. Default: [Discard].
	Sink Sink

	// PeriodSize, when non-zero, is the period the engine insists on, the
	// way a sound server imposes its buffer size. Opening with a different
	// period fails with [engine.ErrPeriodMismatch].
	PeriodSize int
}

// Engine is the timer-driven engine.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	spec    engine.Spec
	fn      engine.ProcessFunc
	in, out [][]float32
	inF     []audio.Frame
	outF    []audio.Frame
	open    bool
	stop    chan struct{}
	done    chan struct{}

	periods atomic.Uint64
	xruns   atomic.Uint64
}

// New returns a closed engine.
func New(cfg Config) *Engine {
	if cfg.Source == nil {
		cfg.Source = Silence{}
	}
	if cfg.Sink == nil {
		cfg.Sink = Discard{}
	}
	return &Engine{cfg: cfg}
}

var _ engine.Engine = (*Engine)(nil)

// Open implements [engine.Engine].
func (e *Engine) Open(spec engine.Spec, fn engine.ProcessFunc) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrUnavailable, err)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil process func", engine.ErrUnavailable)
	}
	if e.cfg.PeriodSize > 0 && e.cfg.PeriodSize != spec.PeriodSize {
		return fmt.Errorf("%w: engine runs %d-sample periods, %d requested",
			engine.ErrPeriodMismatch, e.cfg.PeriodSize, spec.PeriodSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return fmt.Errorf("%w: already open", engine.ErrUnavailable)
	}
	e.spec = spec
	e.fn = fn
	e.in, e.inF = buffers(spec.Inputs, spec.PeriodSize)
	e.out, e.outF = buffers(spec.Outputs, spec.PeriodSize)
	e.open = true
	return nil
}

func buffers(n, size int) ([][]float32, []audio.Frame) {
	raw := make([][]float32, n)
	frames := make([]audio.Frame, n)
	for i := range raw {
		raw[i] = make([]float32, size)
		frames[i] = raw[i]
	}
	return raw, frames
}

// PeriodSize returns the period of the open engine.
func (e *Engine) PeriodSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spec.PeriodSize
}

// Start implements [engine.Engine].
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return engine.ErrNotOpen
	}
	if e.stop != nil {
		return nil
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.loop(e.stop, e.done, e.spec.PeriodDuration())
	return nil
}

func (e *Engine) loop(stop <-chan struct{}, done chan<- struct{}, period time.Duration) {
	defer close(done)
	timer := time.NewTimer(period)
	defer timer.Stop()
	next := time.Now().Add(period)
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		now := time.Now()
		if now.Sub(next) > period {
			e.xruns.Add(1)
		}
		e.tick()
		next = next.Add(period)
		timer.Reset(max(time.Until(next), 0))
	}
}

// tick runs one period.
func (e *Engine) tick() {
	e.cfg.Source.Fill(e.inF)
	e.fn(e.in, e.out)
	e.cfg.Sink.Consume(e.outF)
	e.periods.Add(1)
}

// Stop implements [engine.Engine]. It returns after the current period, if
// any, has completed.
func (e *Engine) Stop() error {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Close implements [engine.Engine].
func (e *Engine) Close() error {
	if err := e.Stop(); err != nil {
		return err
	}
	e.mu.Lock()
	e.open = false
	e.fn = nil
	e.mu.Unlock()
	return nil
}

// Periods returns how many periods have been processed.
func (e *Engine) Periods() uint64 { return e.periods.Load() }

// Xruns implements [engine.XrunCounter].
func (e *Engine) Xruns() uint64 { return e.xruns.Load() }
