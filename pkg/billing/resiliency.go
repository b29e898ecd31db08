package billing

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/nooterra-labs/settld/pkg/codes"
)

// Breaker states.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half_open"
)

// CircuitBreaker trips open after threshold consecutive failures and lets a
// single probe through once openFor has elapsed.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openFor   time.Duration
	openedAt  time.Time
	state     string
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, openFor time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, openFor: openFor, state: breakerClosed}
}

// Allow reports whether a call may proceed at the given instant.
func (cb *CircuitBreaker) Allow(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == breakerOpen {
		if now.Sub(cb.openedAt) >= cb.openFor {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success closes the breaker and resets the failure count.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failures = 0
}

// Failure records one failure; at the threshold the breaker opens.
func (cb *CircuitBreaker) Failure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.threshold || cb.state == breakerHalfOpen {
		cb.state = breakerOpen
		cb.openedAt = now
	}
}

// RetryPolicy bounds retries against the billing provider: exponential
// backoff from BaseDelay, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries three times from 100ms capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Delay computes the backoff before attempt n (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// ProviderClient shields calls to the upstream billing provider with the
// retry policy and circuit breaker.
type ProviderClient struct {
	breaker *CircuitBreaker
	retry   RetryPolicy
	clock   func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// NewProviderClient wires the shield with defaults: breaker opens after 5
// failures for 10 seconds.
func NewProviderClient() *ProviderClient {
	return &ProviderClient{
		breaker: NewCircuitBreaker(5, 10*time.Second),
		retry:   DefaultRetryPolicy(),
		clock:   time.Now,
		sleep:   sleepCtx,
	}
}

// WithRetryPolicy overrides the retry policy.
func (c *ProviderClient) WithRetryPolicy(p RetryPolicy) *ProviderClient {
	c.retry = p
	return c
}

// WithBreaker overrides the circuit breaker.
func (c *ProviderClient) WithBreaker(cb *CircuitBreaker) *ProviderClient {
	c.breaker = cb
	return c
}

// WithClock overrides the clock for testing.
func (c *ProviderClient) WithClock(clock func() time.Time) *ProviderClient {
	c.clock = clock
	return c
}

// WithSleep overrides the backoff sleeper for testing.
func (c *ProviderClient) WithSleep(sleep func(context.Context, time.Duration) error) *ProviderClient {
	c.sleep = sleep
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call runs op under the breaker and retry policy. An open breaker fails
// fast; exhausted retries trip the breaker and surface the upstream error.
func (c *ProviderClient) Call(ctx context.Context, op func(context.Context) error) error {
	if !c.breaker.Allow(c.clock()) {
		return codes.New(codes.BillingProviderCircuitOpen, http.StatusServiceUnavailable,
			"billing provider circuit is open")
	}
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.retry.Delay(attempt-1)); err != nil {
				return err
			}
		}
		if lastErr = op(ctx); lastErr == nil {
			c.breaker.Success()
			return nil
		}
	}
	c.breaker.Failure(c.clock())
	return codes.Newf(codes.BillingProviderUpstreamError, http.StatusBadGateway,
		"billing provider call failed after %d attempts: %v", c.retry.MaxAttempts, lastErr)
}
