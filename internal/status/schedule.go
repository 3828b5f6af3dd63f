package status

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

var _ backoff.BackOff = (*retrySchedule)(nil)

// retrySchedule yields the probe delays. The first delay is the base; each
// later one multiplies the previous by a random factor in [1.0, 1.5) for fast
// retry or [1.5, 2.0) otherwise. The delay is never capped.
type retrySchedule struct {
	base    time.Duration
	current time.Duration
	low     float64
	high    float64
	random  func() float64
	started bool
}

func newRetrySchedule(base time.Duration, fastRetry bool, random func() float64) *retrySchedule {
	low, high := 1.5, 2.0
	if fastRetry {
		low, high = 1.0, 1.5
	}
	return &retrySchedule{
		base:   base,
		low:    low,
		high:   high,
		random: random,
	}
}

// NextBackOff implements backoff.BackOff
func (s *retrySchedule) NextBackOff() time.Duration {
	if !s.started {
		s.started = true
		s.current = s.base
		return s.current
	}
	factor := s.low + s.random()*(s.high-s.low)
	s.current = time.Duration(float64(s.current) * factor)
	return s.current
}

// Reset implements backoff.BackOff
func (s *retrySchedule) Reset() {
	s.started = false
	s.current = 0
}
