// Package metrics is the pipeline's measurement seam. Stages hand
// MetricsEvents to an Observer; what happens next (buffering, sampling,
// JSONL artifacts, in-memory capture for tests) is composed at engine
// startup.
package metrics

import "time"

// MetricsEvent is one named measurement. Tags are low-cardinality label
// values (stream id, processor name); Fields carry free-form payloads
// like redacted transcript text.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Event names for circuit-breaker and rate-limit transitions recorded
// by the resilience adapters.
const (
	EventBreakerDenied = "breaker_denied"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventRateLimit     = "rate_limit"
)

// Observer receives events on the hot path. Implementations must not
// block; audio frames arrive every 20ms.
type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// Flusher is implemented by observers that buffer output.
type Flusher interface {
	Flush() error
}

// NoopObserver discards everything. Used where observability is off.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
