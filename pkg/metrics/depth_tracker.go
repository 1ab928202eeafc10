package metrics

import (
	"sync"
	"time"
)

// DepthTracker keeps a sliding window of depth samples and derives a growth
// rate per second. A positive rate on DLQ depth means dead letters pile up.
type DepthTracker struct {
	mu         sync.RWMutex
	samples    []Sample
	windowSize time.Duration
	maxSamples int
}

type Sample struct {
	Depth     int64
	Timestamp time.Time
}

func NewDepthTracker(windowSize time.Duration, maxSamples int) *DepthTracker {
	if maxSamples < 2 {
		maxSamples = 2
	}
	return &DepthTracker{
		samples:    make([]Sample, 0, maxSamples),
		windowSize: windowSize,
		maxSamples: maxSamples,
	}
}

// Record adds a sample taken at the given time. Samples older than the window
// relative to at, and samples beyond maxSamples, are dropped oldest first.
func (dt *DepthTracker) Record(depth int64, at time.Time) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.samples = append(dt.samples, Sample{Depth: depth, Timestamp: at})

	cutoff := at.Add(-dt.windowSize)
	drop := 0
	for drop < len(dt.samples)-1 && !dt.samples[drop].Timestamp.After(cutoff) {
		drop++
	}
	if excess := len(dt.samples) - drop - dt.maxSamples; excess > 0 {
		drop += excess
	}
	if drop > 0 {
		dt.samples = append(dt.samples[:0], dt.samples[drop:]...)
	}
}

// Rate is the depth change per second between the oldest and newest sample.
func (dt *DepthTracker) Rate() float64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if len(dt.samples) < 2 {
		return 0
	}
	oldest := dt.samples[0]
	newest := dt.samples[len(dt.samples)-1]
	elapsed := newest.Timestamp.Sub(oldest.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(newest.Depth-oldest.Depth) / elapsed
}

func (dt *DepthTracker) Samples() []Sample {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	out := make([]Sample, len(dt.samples))
	copy(out, dt.samples)
	return out
}

func (dt *DepthTracker) Clear() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.samples = dt.samples[:0]
}
