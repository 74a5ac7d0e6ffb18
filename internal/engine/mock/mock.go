// Package mock provides a manually driven implementation of [engine.Engine]
// for use in unit tests.
//
// The mock never runs periods on its own. Tests call [Engine.Tick] to invoke
// the registered callback exactly as the realtime thread would, and set the
// exported *Err fields to simulate startup failures.
//
// Example:
//
//	e := &mock.Engine{}
//	_ = e.Open(spec, bridge.Process)
//	_ = e.Start()
//	e.Tick(in, out)
package mock

import (
	"sync"

	"github.com/MrWong99/aoip/internal/engine"
)

// Compile-time interface assertion.
var _ engine.Engine = (*Engine)(nil)

// Engine is a mock implementation of [engine.Engine].
type Engine struct {
	mu sync.Mutex

	// OpenErr, StartErr, StopErr and CloseErr are returned by the
	// corresponding methods.
	OpenErr  error
	StartErr error
	StopErr  error
	CloseErr error

	// Spec records the spec passed to the last successful Open.
	Spec engine.Spec

	// CallCountOpen and friends record how often each method was called.
	CallCountOpen  int
	CallCountStart int
	CallCountStop  int
	CallCountClose int

	// OnStop, if set, runs at the end of every Stop call.
	OnStop func()

	// Events records the lifecycle calls in order ("open", "start", "stop",
	// "close").
	Events []string

	fn      engine.ProcessFunc
	running bool
}

// Open implements [engine.Engine].
func (e *Engine) Open(spec engine.Spec, fn engine.ProcessFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountOpen++
	e.Events = append(e.Events, "open")
	if e.OpenErr != nil {
		return e.OpenErr
	}
	e.Spec = spec
	e.fn = fn
	return nil
}

// Start implements [engine.Engine].
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountStart++
	e.Events = append(e.Events, "start")
	if e.StartErr != nil {
		return e.StartErr
	}
	if e.fn == nil {
		return engine.ErrNotOpen
	}
	e.running = true
	return nil
}

// Stop implements [engine.Engine].
func (e *Engine) Stop() error {
	e.mu.Lock()
	e.CallCountStop++
	e.Events = append(e.Events, "stop")
	e.running = false
	hook, err := e.OnStop, e.StopErr
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// Close implements [engine.Engine].
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountClose++
	e.Events = append(e.Events, "close")
	e.running = false
	return e.CloseErr
}

// Tick runs one period through the registered callback. It reports false,
// without calling it, when the engine is not started.
func (e *Engine) Tick(in, out [][]float32) bool {
	e.mu.Lock()
	fn, running := e.fn, e.running
	e.mu.Unlock()
	if !running {
		return false
	}
	fn(in, out)
	return true
}

// Running reports whether the engine is between Start and Stop.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Calls returns a copy of Events.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Events...)
}
