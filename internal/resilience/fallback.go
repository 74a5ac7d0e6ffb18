package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every endpoint in a [FallbackGroup] fails or
// has an open circuit breaker.
var ErrAllFailed = errors.New("all endpoints failed")

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable endpoints (for a link:
// remote addresses), each behind its own [CircuitBreaker]. Endpoints are
// tried in registration order and those with an open breaker are skipped.
//
// Add must not be called concurrently with [Dial].
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     CircuitBreakerConfig
}

// NewFallbackGroup returns an empty group whose breakers use cfg. cfg.Name is
// replaced per endpoint.
func NewFallbackGroup[T any](cfg CircuitBreakerConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{cfg: cfg}
}

// Add appends an endpoint.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cfg := fg.cfg
	cfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Len returns the number of endpoints.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Dial calls fn against each endpoint until one succeeds and returns its
// result together with the endpoint name. It stops early when ctx is done.
// When every endpoint fails the error wraps [ErrAllFailed] and the last
// failure.
func Dial[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	if len(fg.entries) == 0 {
		return zero, "", fmt.Errorf("%w: no endpoints configured", ErrAllFailed)
	}
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(ctx, entry.value)
			return innerErr
		})
		if err == nil {
			return result, entry.name, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping endpoint (circuit open)", "endpoint", entry.name)
		} else {
			slog.Warn("endpoint failed, trying next", "endpoint", entry.name, "err", err)
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
