package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards every Nth event of the sampled names and all
// other events unchanged. It keeps per-frame events from flooding sinks.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	counter     atomic.Uint64
	sampled     map[string]struct{}
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
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
	sampled := make(map[string]struct{}, len(names))
	for _, n := range names {
		sampled[n] = struct{}{}
	}
	return &SamplingObserver{inner: inner, sampleEvery: every, sampled: sampled}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, ok := s.sampled[ev.Name]; !ok {
		s.inner.RecordEvent(ev)
		return
	}
	if s.sampleEvery == 0 {
		return
	}
	if s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if n := s.counter.Add(1); n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
