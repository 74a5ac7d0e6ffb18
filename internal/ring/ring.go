// Package ring provides the bounded frame queue that sits between the
// realtime audio callback and a network goroutine.
//
// A [Ring] holds a fixed number of preallocated period-sized frames. Pushing
// and popping copy samples in and out of those slots, so the hot path never
// allocates. The realtime side uses [Ring.TryPush] and [Ring.TryPop], which
// never wait: if the network side holds the lock at that instant the call
// gives up and reports it. The network side uses [Ring.Push] and [Ring.Pop].
//
// When the ring is full a push overwrites the oldest queued frame and counts
// an overflow.
package ring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/aoip/pkg/audio"
)

// Minimum and maximum capacity in periods.
const (
	MinPeriods = 2
	MaxPeriods = 64
)

// Ring is a fixed-capacity FIFO of frames. It is safe for one producer and
// one consumer running concurrently.
type Ring struct {
	frameSize int

	mu    sync.Mutex
	slots []audio.Frame
	head  int // index of the oldest frame
	count int

	notify chan struct{}

	overflows  atomic.Uint64
	contention atomic.Uint64
}

// Option configures a [Ring].
type Option func(*Ring)

// WithNotify makes the ring signal ch after every successful push. The send
// never blocks; ch should have a buffer of at least one. Several rings may
// share one channel so a single goroutine can wait on all of them.
func WithNotify(ch chan struct{}) Option {
	return func(r *Ring) { r.notify = ch }
}

// New allocates a ring of periods slots, each frameSize samples long.
func New(periods, frameSize int, opts ...Option) (*Ring, error) {
	if periods < MinPeriods || periods > MaxPeriods {
		return nil, fmt.Errorf("ring: capacity must be %d..%d periods, got %d", MinPeriods, MaxPeriods, periods)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("ring: frame size must be positive, got %d", frameSize)
	}
	r := &Ring{
		frameSize: frameSize,
		slots:     make([]audio.Frame, periods),
	}
	for i := range r.slots {
		r.slots[i] = make(audio.Frame, frameSize)
	}
	for _, o := range opts {
		o(r)
	}
	if r.notify == nil {
		r.notify = make(chan struct{}, 1)
	}
	return r, nil
}

// FrameSize returns the number of samples in one slot.
func (r *Ring) FrameSize() int { return r.frameSize }

// Cap returns the capacity in frames.
func (r *Ring) Cap() int { return len(r.slots) }

// Len returns the number of queued frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Overflows returns how many queued frames were overwritten by a push into a
// full ring.
func (r *Ring) Overflows() uint64 { return r.overflows.Load() }

// Contention returns how many Try calls gave up because the lock was held.
func (r *Ring) Contention() uint64 { return r.contention.Load() }

// Push copies f into the ring, overwriting the oldest frame when full. It
// reports whether an overflow occurred.
func (r *Ring) Push(f audio.Frame) (overflow bool, err error) {
	if len(f) != r.frameSize {
		return false, &audio.LengthError{Op: "ring push", Want: r.frameSize, Got: len(f)}
	}
	r.mu.Lock()
	overflow = r.pushLocked(f)
	r.mu.Unlock()
	r.signal()
	return overflow, nil
}

// TryPush is Push for the realtime side. It returns ok=false without waiting
// if the lock is held; the frame is then dropped.
func (r *Ring) TryPush(f audio.Frame) (ok, overflow bool) {
	if len(f) != r.frameSize {
		return false, false
	}
	if !r.mu.TryLock() {
		r.contention.Add(1)
		return false, false
	}
	overflow = r.pushLocked(f)
	r.mu.Unlock()
	r.signal()
	return true, overflow
}

func (r *Ring) pushLocked(f audio.Frame) bool {
	overflow := false
	if r.count == len(r.slots) {
		r.head = (r.head + 1) % len(r.slots)
		r.count--
		r.overflows.Add(1)
		overflow = true
	}
	tail := (r.head + r.count) % len(r.slots)
	copy(r.slots[tail], f)
	r.count++
	return overflow
}

func (r *Ring) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Pop copies the oldest frame into dst and reports whether one was queued.
func (r *Ring) Pop(dst audio.Frame) (bool, error) {
	if len(dst) != r.frameSize {
		return false, &audio.LengthError{Op: "ring pop", Want: r.frameSize, Got: len(dst)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popLocked(dst), nil
}

// TryPop is Pop for the realtime side. It returns false without waiting if
// the ring is empty or the lock is held; dst is then left untouched.
func (r *Ring) TryPop(dst audio.Frame) bool {
	if len(dst) != r.frameSize {
		return false
	}
	if !r.mu.TryLock() {
		r.contention.Add(1)
		return false
	}
	ok := r.popLocked(dst)
	r.mu.Unlock()
	return ok
}

func (r *Ring) popLocked(dst audio.Frame) bool {
	if r.count == 0 {
		return false
	}
	copy(dst, r.slots[r.head])
	r.head = (r.head + 1) % len(r.slots)
	r.count--
	return true
}

// Wait blocks until a push has happened since the last Wait or ctx is done.
// With a shared notify channel, a signal may come from any ring sharing it.
func (r *Ring) Wait(ctx context.Context) error {
	select {
	case <-r.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset discards every queued frame and returns how many there were.
// Counters are kept.
func (r *Ring) Reset() int {
	r.mu.Lock()
	n := r.count
	r.head = 0
	r.count = 0
	r.mu.Unlock()
	return n
}
