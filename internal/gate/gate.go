// Package gate implements the run-gate: a shared enable flag that the
// realtime bridge reads exactly once per period and external controllers
// (the control API, the config watcher) write at arbitrary times.
//
// The gate is a single atomic word with three states. A controller whose
// update function panics leaves the gate poisoned; a poisoned gate reads as
// disabled and reports [ErrLockPoisoned] until the next [Gate.Set].
//
// All methods are safe for concurrent use and never block.
package gate

import (
	"errors"
	"sync/atomic"
)

// ErrLockPoisoned is returned by [Gate.Load] after a controller failed part
// way through an update.
var ErrLockPoisoned = errors.New("gate: lock poisoned")

const (
	stateDisabled int32 = iota
	stateEnabled
	statePoisoned
)

// Gate is the run-gate. The zero value is a disabled gate.
type Gate struct {
	state   atomic.Int32
	updates atomic.Uint64
}

// New returns a gate with the given initial value.
func New(enabled bool) *Gate {
	g := &Gate{}
	g.state.Store(encode(enabled))
	return g
}

func encode(enabled bool) int32 {
	if enabled {
		return stateEnabled
	}
	return stateDisabled
}

// Set stores enabled and clears any poisoning.
func (g *Gate) Set(enabled bool) {
	g.state.Store(encode(enabled))
	g.updates.Add(1)
}

// Update applies fn to the current value. If fn panics the gate is poisoned
// and the panic is re-raised to the caller; the realtime reader is never
// affected beyond reading the gate as disabled.
//
// Update on a poisoned gate passes false to fn.
func (g *Gate) Update(fn func(enabled bool) bool) {
	for {
		cur := g.state.Load()
		var next int32
		func() {
			ok := false
			defer func() {
				if !ok {
					g.state.Store(statePoisoned)
				}
			}()
			next = encode(fn(cur == stateEnabled))
			ok = true
		}()
		if g.state.CompareAndSwap(cur, next) {
			g.updates.Add(1)
			return
		}
	}
}

// Load is the single per-period read. A poisoned gate yields
// (false, [ErrLockPoisoned]).
func (g *Gate) Load() (bool, error) {
	switch g.state.Load() {
	case stateEnabled:
		return true, nil
	case statePoisoned:
		return false, ErrLockPoisoned
	default:
		return false, nil
	}
}

// Enabled reports whether the gate is open. A poisoned gate reports false.
func (g *Gate) Enabled() bool {
	v, _ := g.Load()
	return v
}

// Poisoned reports whether the gate is poisoned.
func (g *Gate) Poisoned() bool {
	return g.state.Load() == statePoisoned
}

// Updates returns how many successful writes the gate has seen.
func (g *Gate) Updates() uint64 {
	return g.updates.Load()
}
