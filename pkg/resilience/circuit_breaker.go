package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// RateLimitError marks a 429-class response from a voice or LLM vendor.
// The breaker only counts these; transport hiccups are handled by retry.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s rate limited", e.Provider)
}

// IsRateLimit reports whether a RateLimitError sits anywhere in err's chain.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker opens after repeated rate-limit failures so a throttled
// vendor stops being hammered mid-call. While open, Allow returns false
// and the caller should fall back instead of waiting out the cooldown.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a request may go out. The breaker half-closes by
// simply letting the cooldown lapse; the next failure re-opens it.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !time.Now().Before(c.openUntil)
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
		c.openUntil = time.Now().Add(c.cooldown)
	}
}
