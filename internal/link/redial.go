package link

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/aoip/pkg/transport"
)

// Default redial parameters.
const (
	defaultBackoff    = 250 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// RedialerConfig configures a [Redialer].
type RedialerConfig struct {
	// Name labels log messages, e.g. "studio/egress".
	Name string

	// Dial opens a new transport. Required.
	Dial Dialer

	// Backoff is the delay before the second attempt. It doubles on every
	// failed attempt up to MaxBackoff. Default: 250ms.
	Backoff time.Duration

	// MaxBackoff caps the delay between attempts. Default: 5s.
	MaxBackoff time.Duration

	// MaxRetries limits the attempts of one Reconnect call. Zero means retry
	// until the context is done.
	MaxRetries int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Redialer replaces a broken transport with exponential backoff. It is used
// only from network goroutines.
type Redialer struct {
	name       string
	dial       Dialer
	backoff    time.Duration
	maxBackoff time.Duration
	maxRetries int
	log        *slog.Logger

	attempts atomic.Uint64
}

// ErrRedialExhausted is returned by [Redialer.Reconnect] when MaxRetries
// attempts have failed.
var ErrRedialExhausted = errors.New("link: redial attempts exhausted")

// NewRedialer returns a [Redialer] for cfg.
func NewRedialer(cfg RedialerConfig) *Redialer {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Redialer{
		name:       cfg.Name,
		dial:       cfg.Dial,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		maxRetries: cfg.MaxRetries,
		log:        cfg.Logger,
	}
}

// Attempts returns the total number of dial attempts made by Reconnect.
func (r *Redialer) Attempts() uint64 {
	return r.attempts.Load()
}

// Dial makes a single attempt without backoff. The first connection of a
// link goes through here so that bind failures surface at startup.
func (r *Redialer) Dial(ctx context.Context) (transport.Transport, error) {
	return r.dial(ctx)
}

// Reconnect dials until it succeeds, ctx is done, or MaxRetries attempts
// have failed.
func (r *Redialer) Reconnect(ctx context.Context) (transport.Transport, error) {
	current := r.backoff

	for attempt := 1; r.maxRetries <= 0 || attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.attempts.Add(1)

		tr, err := r.dial(ctx)
		if err == nil {
			r.log.Info("link reconnected", "link", r.name, "attempt", attempt)
			return tr, nil
		}
		r.log.Warn("redial attempt failed",
			"link", r.name,
			"attempt", attempt,
			"backoff", current,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(current):
		}

		current *= 2
		if current > r.maxBackoff {
			current = r.maxBackoff
		}
	}

	r.log.Error("redial gave up", "link", r.name, "max_retries", r.maxRetries)
	return nil, ErrRedialExhausted
}
