// Package bridge contains the per-period logic that runs on the audio
// engine's realtime callback.
//
// The [Bridge] never touches a socket. Each period it reads the run-gate once
// and then moves frames between engine buffers and the per-channel rings that
// the network goroutines in package link drain and fill. Every operation it
// performs is bounded: ring access uses TryLock, counters are atomics, and
// nothing allocates or logs.
package bridge

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/aoip/internal/gate"
	"github.com/MrWong99/aoip/internal/ring"
	"github.com/MrWong99/aoip/pkg/audio"
)

// ErrPortMismatch is wrapped by [New] when a port's ring does not match the
// period size or direction.
var ErrPortMismatch = errors.New("bridge: port does not match the engine period")

// Port is one engine port bound to one channel of a link.
type Port struct {
	Link      string
	Channel   int
	Direction audio.Direction
	Ring      *ring.Ring

	pushed     atomic.Uint64
	dropped    atomic.Uint64
	underruns  atomic.Uint64
	mismatches atomic.Uint64
}

// Name returns "link/channel".
func (p *Port) Name() string {
	return fmt.Sprintf("%s/%d", p.Link, p.Channel)
}

// Config describes the ports registered with the engine. Capture[i] is fed
// by engine input buffer i and Playback[i] fills engine output buffer i.
type Config struct {
	PeriodSize int
	Capture    []*Port
	Playback   []*Port
}

// Bridge is the realtime callback. Create it with [New].
type Bridge struct {
	periodSize int
	capture    []*Port
	playback   []*Port
	gate       *gate.Gate

	periods  atomic.Uint64
	gated    atomic.Uint64
	poisoned atomic.Uint64
}

// New validates cfg against the period size and returns a bridge reading g.
func New(cfg Config, g *gate.Gate) (*Bridge, error) {
	if cfg.PeriodSize <= 0 {
		return nil, fmt.Errorf("bridge: period size must be positive, got %d", cfg.PeriodSize)
	}
	if g == nil {
		return nil, errors.New("bridge: gate is required")
	}
	var errs []error
	check := func(p *Port, want audio.Direction) {
		switch {
		case p == nil || p.Ring == nil:
			errs = append(errs, fmt.Errorf("%w: %s port without ring", ErrPortMismatch, want))
		case p.Direction != want:
			errs = append(errs, fmt.Errorf("%w: %s registered as %s", ErrPortMismatch, p.Name(), want))
		case p.Ring.FrameSize() != cfg.PeriodSize:
			errs = append(errs, fmt.Errorf("%w: %s ring holds %d samples, period is %d",
				ErrPortMismatch, p.Name(), p.Ring.FrameSize(), cfg.PeriodSize))
		}
	}
	for _, p := range cfg.Capture {
		check(p, audio.Capture)
	}
	for _, p := range cfg.Playback {
		check(p, audio.Playback)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Bridge{
		periodSize: cfg.PeriodSize,
		capture:    cfg.Capture,
		playback:   cfg.Playback,
		gate:       g,
	}, nil
}

// Inputs returns the number of capture ports.
func (b *Bridge) Inputs() int { return len(b.capture) }

// Outputs returns the number of playback ports.
func (b *Bridge) Outputs() int { return len(b.playback) }

// PeriodSize returns the number of samples per buffer.
func (b *Bridge) PeriodSize() int { return b.periodSize }

// Process runs one period. in holds one buffer per capture port and out one
// buffer per playback port.
func (b *Bridge) Process(in, out [][]float32) {
	b.periods.Add(1)

	open, err := b.gate.Load()
	if err != nil {
		b.poisoned.Add(1)
	}
	if !open {
		b.gated.Add(1)
		for _, buf := range out {
			clear(buf)
		}
		return
	}

	for i, p := range b.capture {
		if i >= len(in) || len(in[i]) != b.periodSize {
			p.mismatches.Add(1)
			continue
		}
		ok, _ := p.Ring.TryPush(in[i])
		if ok {
			p.pushed.Add(1)
		} else {
			p.dropped.Add(1)
		}
	}

	for i, buf := range out {
		if i >= len(b.playback) {
			clear(buf)
			continue
		}
		p := b.playback[i]
		if len(buf) != b.periodSize {
			p.mismatches.Add(1)
			clear(buf)
			continue
		}
		if !p.Ring.TryPop(buf) {
			p.underruns.Add(1)
			clear(buf)
		}
	}
	for i := len(out); i < len(b.playback); i++ {
		b.playback[i].mismatches.Add(1)
	}
}
