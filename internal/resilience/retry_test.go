package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func transientErr() error {
	return NewTransientError(errors.New("connection reset by peer"), 0)
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnSecondAttempt(t *testing.T) {
	var calls, retries int
	cfg := RetryConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		OnRetry:    func(int, error) { retries++ },
	}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls < 2 {
			return transientErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if retries != 1 {
		t.Errorf("expected OnRetry fired exactly once, got %d", retries)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	cfg := RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond}

	lastErr := errors.New("always failing: i/o timeout")
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return lastErr
	})
	if !errors.Is(err, lastErr) {
		t.Fatalf("expected last error surfaced, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected MaxRetries+1 = 3 calls, got %d", calls)
	}
}

func TestDo_PermanentError_SingleAttempt(t *testing.T) {
	var calls, retries int
	cfg := RetryConfig{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		OnRetry:    func(int, error) { retries++ },
	}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("unsupported platform")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt for a permanent error, got %d", calls)
	}
	if retries != 0 {
		t.Errorf("expected no retry callback for a permanent error, got %d", retries)
	}
}

func TestDo_ZeroRetries_SingleAttempt(t *testing.T) {
	var calls int
	cfg := RetryConfig{MaxRetries: 0, RetryDelay: time.Hour}

	start := time.Now()
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return transientErr()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", calls)
	}
	if time.Since(start) > time.Second {
		t.Error("zero retries must not sleep")
	}
}

func TestDo_CircuitOpenNotRetried(t *testing.T) {
	var calls int
	cfg := RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return ErrCircuitOpen
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected fail-fast on open circuit, got %d calls", calls)
	}
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := RetryConfig{MaxRetries: 5, RetryDelay: 10 * time.Millisecond}

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return transientErr()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls > 2 {
		t.Errorf("expected no attempts after cancel, got %d", calls)
	}
}

func TestDo_OnRetryAttemptNumbers(t *testing.T) {
	var attempts []int
	cfg := RetryConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		OnRetry:    func(attempt int, _ error) { attempts = append(attempts, attempt) },
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return transientErr()
	})

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected attempts [1 2], got %v", attempts)
	}
}

func TestDoVal_ReturnsValueOnSuccess(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond}

	var calls int
	val, err := DoVal(context.Background(), cfg, func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", transientErr()
		}
		return "archived", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "archived" {
		t.Errorf("expected %q, got %q", "archived", val)
	}
}

func TestDoVal_ReturnsZeroOnFailure(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 1, RetryDelay: time.Millisecond}

	val, err := DoVal(context.Background(), cfg, func(_ context.Context) (int, error) {
		return 42, transientErr()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if val != 0 {
		t.Errorf("expected zero value on failure, got %d", val)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := RetryConfig{
		MaxRetries:  3,
		RetryDelay:  time.Millisecond,
		ShouldRetry: func(err error) bool { return err.Error() == "retry me" },
	}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestComputeBackoff_PureExponential(t *testing.T) {
	cfg := applyDefaults(RetryConfig{RetryDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second})

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, want := range expected {
		if got := computeBackoff(i, cfg); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestComputeBackoff_CapsAtMax(t *testing.T) {
	cfg := applyDefaults(RetryConfig{RetryDelay: time.Second, MaxDelay: 5 * time.Second})

	if got := computeBackoff(10, cfg); got > 5*time.Second {
		t.Errorf("expected delay capped at 5s, got %v", got)
	}
}

func TestComputeBackoff_WithJitter(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		RetryDelay:     time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.5,
	})

	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		d := computeBackoff(0, cfg)
		seen[d] = true
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Errorf("delay %v outside expected range [500ms, 1500ms]", d)
		}
	}
	if len(seen) < 2 {
		t.Error("expected jitter to produce varying delays")
	}
}
