package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 2*time.Second {
		t.Errorf("resetTimeout = %v, want 2s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedAllowsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3})
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreaker_DegradedAfterThreshold(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "studio/0",
		MaxFailures:  5,
		ResetTimeout: time.Hour,
		Now:          clk.Now,
	})

	for i := 0; i < 4; i++ {
		_ = cb.Execute(func() error { return errTest })
		if cb.Degraded() {
			t.Fatalf("degraded after %d failures", i+1)
		}
	}
	_ = cb.Execute(func() error { return errTest })
	if !cb.Degraded() || cb.State() != StateOpen {
		t.Fatalf("state = %v after 5 failures, want open", cb.State())
	}
	if !errors.Is(cb.LastError(), errTest) {
		t.Errorf("LastError = %v", cb.LastError())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return nil })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", cb.State())
	}
	if cb.ConsecutiveFailures() != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", cb.ConsecutiveFailures())
	}
}

func TestCircuitBreaker_HalfOpenTransitions(t *testing.T) {
	tests := []struct {
		name   string
		probes []error
		want   State
	}{
		{"successful probes close", []error{nil, nil}, StateClosed},
		{"failed probe re-opens", []error{nil, errTest}, StateOpen},
		{"partial probes stay half-open", []error{nil}, StateHalfOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := newFakeClock()
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:         "test",
				MaxFailures:  2,
				ResetTimeout: time.Second,
				HalfOpenMax:  2,
				Now:          clk.Now,
			})
			cb.Record(errTest)
			cb.Record(errTest)

			clk.Advance(500 * time.Millisecond)
			if cb.State() != StateOpen {
				t.Fatalf("state = %v before reset timeout, want open", cb.State())
			}
			clk.Advance(600 * time.Millisecond)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v after reset timeout, want half-open", cb.State())
			}

			for _, perr := range tt.probes {
				_ = cb.Execute(func() error { return perr })
			}
			cb.mu.Lock()
			got := cb.state
			cb.mu.Unlock()
			if got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name: "test", MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 2, Now: clk.Now,
	})
	cb.Record(errTest)
	clk.Advance(time.Second)

	if err := cb.Allow(); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("third probe err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_RecordWithoutAllowRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name: "test", MaxFailures: 2, ResetTimeout: time.Hour, HalfOpenMax: 3,
	})
	cb.Record(errTest)
	cb.Record(errTest)
	if !cb.Degraded() {
		t.Fatal("expected degraded")
	}
	for i := 0; i < 3; i++ {
		cb.Record(nil)
	}
	if cb.Degraded() {
		t.Fatalf("state = %v after 3 successes, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clk := newFakeClock()
	type change struct{ from, to State }
	var got []change
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "studio/1",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		Now:          clk.Now,
		OnStateChange: func(name string, from, to State) {
			if name != "studio/1" {
				t.Errorf("name = %q", name)
			}
			got = append(got, change{from, to})
		},
	})

	_ = cb.Execute(func() error { return errTest })
	clk.Advance(time.Second)
	_ = cb.Execute(func() error { return nil })

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, st := range []State{StateClosed, StateOpen, StateHalfOpen} {
		text, err := st.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", st, err)
		}
		var got State
		if err := got.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", text, err)
		}
		if got != st {
			t.Errorf("round trip of %v gave %v", st, got)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("melted")); err == nil {
		t.Error("expected an error for an unknown state")
	}
}
