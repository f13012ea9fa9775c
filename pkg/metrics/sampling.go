package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of the events it sees, using a
// deterministic every-Nth counter rather than randomness so a test at
// rate 0.5 sees exactly every other event.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     uint64
}

// NewSamplingObserver clamps rate into [0, 1]. Rate 0 drops everything,
// rate 1 forwards everything.
func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Min(math.Max(rate, 0), 1)
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &SamplingObserver{inner: inner, rate: rate, sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if atomic.AddUint64(&s.counter, 1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
