// Package engine defines the pull-based audio engine the bridge is plugged
// into.
//
// An [Engine] owns a fixed set of input (capture) and output (playback)
// ports and invokes a [ProcessFunc] once per period with one buffer per
// port. The callback runs on the engine's realtime thread and must return
// within one period.
//
// Implementations live in sub-packages: clock is a software timer engine
// for headless relays and tests, portaudio drives a sound card through
// PortAudio.
package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable means the engine (or the requested device) cannot be
	// opened.
	ErrUnavailable = errors.New("engine: unavailable")

	// ErrPeriodMismatch means the engine runs with a period length other
	// than the one the bridge was built for.
	ErrPeriodMismatch = errors.New("engine: period length mismatch")

	// ErrNotOpen is returned by Start on an engine that has not been opened.
	ErrNotOpen = errors.New("engine: not open")
)

// Spec describes the ports and timing requested from an engine. Port count
// and direction are fixed for the lifetime of a session.
type Spec struct {
	Inputs     int
	Outputs    int
	PeriodSize int
	SampleRate float64
}

// Validate reports whether s describes a usable engine configuration.
func (s Spec) Validate() error {
	var errs []error
	if s.Inputs < 0 || s.Outputs < 0 {
		errs = append(errs, fmt.Errorf("engine: negative port count (%d in, %d out)", s.Inputs, s.Outputs))
	}
	if s.Inputs == 0 && s.Outputs == 0 {
		errs = append(errs, errors.New("engine: no ports requested"))
	}
	if s.PeriodSize <= 0 {
		errs = append(errs, fmt.Errorf("engine: period size must be positive, got %d", s.PeriodSize))
	}
	if s.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("engine: sample rate must be positive, got %g", s.SampleRate))
	}
	return errors.Join(errs...)
}

// PeriodDuration returns the wall-clock length of one period.
func (s Spec) PeriodDuration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(s.PeriodSize) / s.SampleRate * float64(time.Second))
}

// ProcessFunc is the per-period callback. in holds one buffer per input
// port and out one buffer per output port, each PeriodSize samples long.
// It must not block, allocate, or retain the buffers.
type ProcessFunc func(in, out [][]float32)

// Engine is a pull-based realtime audio engine.
//
// Open registers the ports and the callback; Start begins invoking it; Stop
// deactivates the callback and returns once no invocation is in flight;
// Close releases the device. Stop and Close are idempotent.
type Engine interface {
	Open(spec Spec, fn ProcessFunc) error
	Start() error
	Stop() error
	Close() error
}

// XrunCounter is implemented by engines that detect late or dropped
// periods.
type XrunCounter interface {
	Xruns() uint64
}

// Xruns returns e's xrun count, or 0 if e does not track them.
func Xruns(e Engine) uint64 {
	if x, ok := e.(XrunCounter); ok {
		return x.Xruns()
	}
	return 0
}
