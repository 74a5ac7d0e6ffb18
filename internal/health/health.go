// Package health provides HTTP health, readiness, and status handlers.
//
// The package exposes three endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /statusz: a JSON snapshot produced by the configured status function.
//
// Health responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "links", "channels"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz, /readyz, and /statusz. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	status   func() any
}

// Option configures a [Handler].
type Option func(*Handler)

// WithStatus sets the function whose result /statusz encodes.
func WithStatus(fn func() any) Option {
	return func(h *Handler) { h.status = fn }
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Statusz encodes the current status snapshot. It returns 404 when no status
// function is configured.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Register adds the /healthz, /readyz, and /statusz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
}

// Connector is a network worker whose transport may be down.
type Connector interface {
	Name() string
	Connected() bool
}

// Connected returns a checker that fails while any worker lacks an
// established transport.
func Connected(name string, workers ...Connector) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		var down []string
		for _, w := range workers {
			if !w.Connected() {
				down = append(down, w.Name())
			}
		}
		if len(down) > 0 {
			return fmt.Errorf("not connected: %s", strings.Join(down, ", "))
		}
		return nil
	}}
}

// Degradable is a channel that may be degraded.
type Degradable interface {
	Name() string
	Degraded() bool
}

// NotDegraded returns a checker that fails while any channel is degraded.
func NotDegraded(name string, channels ...Degradable) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		var bad []string
		for _, c := range channels {
			if c.Degraded() {
				bad = append(bad, c.Name())
			}
		}
		if len(bad) > 0 {
			return fmt.Errorf("degraded: %s", strings.Join(bad, ", "))
		}
		return nil
	}}
}

// Poisonable reports whether shared state was poisoned by a panic.
type Poisonable interface {
	Poisoned() bool
}

// NotPoisoned returns a checker that fails once p is poisoned.
func NotPoisoned(name string, p Poisonable) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if p.Poisoned() {
			return errors.New("poisoned")
		}
		return nil
	}}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
