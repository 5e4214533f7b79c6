package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	expected := errors.New("nope")

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return false },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no delay, got %v", delays)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1)
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
}

func TestRetryPolicy_LinearBackoffAndOnRetry(t *testing.T) {
	var delays []time.Duration
	var retried []int

	policy := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     LinearBackoff(time.Second),
		Jitter:      NoJitter,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			retried = append(retried, attempt)
		},
	}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return errors.New("nack")
	})
	if err == nil || err.Error() != "nack" {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected delays: %v", delays)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("unexpected retry callbacks: %v", retried)
	}
}

func TestExponentialBackoff_Caps(t *testing.T) {
	backoff := ExponentialBackoff(time.Second, 30*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, expected := range want {
		if got := backoff(i + 1); got != expected {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
	}
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryPolicy{MaxAttempts: 3}.Do(ctx, func() error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no calls, got %d", calls)
	}
}

func TestExecutor_RetriesThroughBreaker(t *testing.T) {
	calls := 0
	exec := Executor{
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 5}),
		Retry: RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			Jitter:      NoJitter,
			Sleep:       func(context.Context, time.Duration) error { return nil },
			ShouldRetry: func(error) bool { return true },
		},
	}

	err := exec.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if exec.Breaker.State() != "closed" {
		t.Fatalf("expected closed breaker, got %s", exec.Breaker.State())
	}
}

func TestExecutor_CircuitOpenStopsRetries(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})
	exec := Executor{
		Breaker: breaker,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Jitter:      NoJitter,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	}

	calls := 0
	err := exec.Do(context.Background(), func() error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if breaker.State() != "open" {
		t.Fatalf("expected open breaker, got %s", breaker.State())
	}
}

func TestRateLimiter_AllowDoesNotWait(t *testing.T) {
	limiter := NewRateLimiter(time.Second, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	limiter.last = now

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatalf("expected burst of 2 to be allowed")
	}
	if limiter.Allow() {
		t.Fatalf("expected third call to be rejected")
	}
	now = now.Add(time.Second)
	if !limiter.Allow() {
		t.Fatalf("expected a token after one interval")
	}

	var disabled *RateLimiter
	if !disabled.Allow() {
		t.Fatalf("nil limiter must allow")
	}
}
