package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensOnRateLimits(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.OnError(errors.New("dial failed"))
	cb.OnError(RateLimitError{Endpoint: "westus"})
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after one rate limit")
	}
	cb.OnError(RateLimitError{Endpoint: "westus"})
	if cb.Allow() {
		t.Fatalf("expected breaker open after threshold")
	}
	now = now.Add(61 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected breaker to close after cooldown")
	}
}

func TestCircuitBreakerHonoursRetryAfter(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }
	cb.OnError(RateLimitError{RetryAfter: time.Minute})
	if got := cb.OpenUntil(); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected open until %v, got %v", now.Add(time.Minute), got)
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("expected success to reset breaker")
	}
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxRetries: 5, Backoff: time.Millisecond, Retryable: func(err error) bool {
		return !IsRateLimit(err)
	}}
	err := policy.Do(context.Background(), func() error {
		calls++
		return RateLimitError{}
	})
	if !IsRateLimit(err) || calls != 1 {
		t.Fatalf("expected single attempt with rate limit error, got %d calls err=%v", calls, err)
	}
}

func TestRetryPolicyRetriesUntilSuccess(t *testing.T) {
	calls := 0
	policy := NewRetryPolicy(3, time.Millisecond)
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got %d calls err=%v", calls, err)
	}
}
