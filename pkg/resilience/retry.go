package resilience

import "time"

// RetryPolicy re-runs a provider call a fixed number of times with a flat
// pause between attempts. Streaming sessions reconnect through this rather
// than failing the call on the first dropped socket.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// NewRetryPolicy clamps non-positive arguments to defaults suited to a
// live call: two extra attempts, 200ms apart, keeps total added latency
// under half a second.
func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds or the attempt budget is spent. The last
// error is returned unwrapped so callers can tag it with a reason code.
func (r RetryPolicy) Do(fn func() error) error {
	attempts := r.MaxRetries + 1
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(r.Backoff)
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
