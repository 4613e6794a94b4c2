package resilience

import (
	"math"
	"sync"
	"time"
)

// AdaptiveTimeout tracks an EWMA of recent success latencies per source and
// derives the effective timeout as mean + 3 stddev, clamped to [min, max].
type AdaptiveTimeout struct {
	min   time.Duration
	max   time.Duration
	alpha float64

	mu       sync.Mutex
	mean     float64 // milliseconds
	variance float64
	samples  int
}

// NewAdaptiveTimeout creates a tracker. Until enough samples accumulate the
// effective timeout is max.
func NewAdaptiveTimeout(min, max time.Duration) *AdaptiveTimeout {
	return &AdaptiveTimeout{min: min, max: max, alpha: 0.2}
}

// Observe records one successful call latency.
func (a *AdaptiveTimeout) Observe(latency time.Duration) {
	ms := float64(latency.Milliseconds())

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.samples == 0 {
		a.mean = ms
		a.variance = 0
	} else {
		diff := ms - a.mean
		a.mean += a.alpha * diff
		a.variance = (1 - a.alpha) * (a.variance + a.alpha*diff*diff)
	}
	a.samples++
}

// Effective returns the current timeout.
func (a *AdaptiveTimeout) Effective() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.samples < 5 {
		return a.max
	}
	stddev := math.Sqrt(a.variance)
	t := time.Duration(a.mean+3*stddev) * time.Millisecond
	if t < a.min {
		return a.min
	}
	if t > a.max {
		return a.max
	}
	return t
}
