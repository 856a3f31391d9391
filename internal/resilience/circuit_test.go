package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failing(_ context.Context) error { return errors.New("upstream exploded") }

func succeeding(_ context.Context) error { return nil }

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker("test-upstream", cfg)
	now := time.Unix(1000, 0)
	cb.nowFunc = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), failing); err == nil {
			t.Fatal("expected failure to propagate")
		}
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	// Next call must be rejected without invoking the operation.
	var invoked bool
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Error("operation must not run while circuit is open")
	}
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), failing)
	// A success resets the consecutive-failure counter.
	_ = cb.Execute(context.Background(), succeeding)
	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), failing)

	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	m := cb.Metrics()
	if m.ConsecutiveFailures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", m.ConsecutiveFailures)
	}
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb, now := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second})

	_ = cb.Execute(context.Background(), failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	*now = now.Add(31 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", cb.State())
	}

	// Probe is allowed through.
	var invoked bool
	if err := cb.Execute(context.Background(), func(_ context.Context) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !invoked {
		t.Fatal("probe should have been invoked")
	}
}

func TestCircuitBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	cb, now := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		SuccessThreshold: 2,
	})

	_ = cb.Execute(context.Background(), failing)
	*now = now.Add(2 * time.Second)

	// First half-open success is not enough.
	_ = cb.Execute(context.Background(), succeeding)
	if got := cb.State(); got != CircuitHalfOpen {
		t.Fatalf("expected half-open after 1 success, got %s", got)
	}

	_ = cb.Execute(context.Background(), succeeding)
	if got := cb.State(); got != CircuitClosed {
		t.Fatalf("expected closed after 2 successes, got %s", got)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})

	_ = cb.Execute(context.Background(), failing)
	*now = now.Add(2 * time.Second)

	_ = cb.Execute(context.Background(), failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected reopened circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	_ = cb.Execute(context.Background(), failing)
	if !cb.IsOpen() {
		t.Fatal("expected open circuit")
	}

	cb.Reset()
	if cb.IsOpen() {
		t.Fatal("expected closed circuit after reset")
	}
	m := cb.Metrics()
	if m.ConsecutiveFailures != 0 || m.ConsecutiveSuccesses != 0 {
		t.Errorf("expected zeroed counters, got %+v", m)
	}
}

func TestCircuitBreaker_StateChangeEvents(t *testing.T) {
	var transitions []string
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}
	cb, now := newTestBreaker(cfg)

	_ = cb.Execute(context.Background(), failing)
	*now = now.Add(2 * time.Second)
	_ = cb.Execute(context.Background(), succeeding)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestExecuteVal_PreservesValue(t *testing.T) {
	cb := NewCircuitBreaker("val", DefaultCircuitBreakerConfig())

	got, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestUpstreamBreakers_PerUpstreamIsolation(t *testing.T) {
	ub := NewUpstreamBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	_ = ub.Get("fetcher").Execute(context.Background(), failing)

	if !ub.Get("fetcher").IsOpen() {
		t.Error("fetcher breaker should be open")
	}
	if ub.Get("authority").IsOpen() {
		t.Error("authority breaker must not be affected by fetcher failures")
	}
	if got := len(ub.Metrics()); got != 2 {
		t.Errorf("expected 2 breakers registered, got %d", got)
	}
}

func TestUpstreamBreakers_SameInstance(t *testing.T) {
	ub := NewUpstreamBreakers(DefaultCircuitBreakerConfig())
	if ub.Get("a") != ub.Get("a") {
		t.Error("expected the same breaker instance per upstream name")
	}
}
