package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// RateLimitError reports that the service rejected a connection attempt
// because the caller exceeded its quota (HTTP 429 on upgrade).
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s, retry after %s", e.Endpoint, e.RetryAfter)
	}
	if e.Endpoint != "" {
		return "rate limited by " + e.Endpoint
	}
	return "rate limited"
}

// IsRateLimit reports whether err carries a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker refuses new connection attempts after repeated rate limit
// failures until the cooldown elapses. Other errors do not count.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether an attempt may proceed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

// OpenUntil returns the time the breaker stays open, zero when closed.
func (c *CircuitBreaker) OpenUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Before(c.openUntil) {
		return c.openUntil
	}
	return time.Time{}
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		cooldown := c.cooldown
		var rl RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > cooldown {
			cooldown = rl.RetryAfter
		}
		c.openUntil = c.now().Add(cooldown)
	}
}
