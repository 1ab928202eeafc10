package metrics

import (
	"sync"
	"testing"
	"time"
)

// ========================================
// Recording & Pruning Tests
// ========================================

func TestDepthTracker_PrunesOutsideWindow(t *testing.T) {
	dt := NewDepthTracker(10*time.Second, 100)
	base := time.Unix(1_000, 0)

	dt.Record(1, base)
	dt.Record(2, base.Add(5*time.Second))
	dt.Record(3, base.Add(12*time.Second))

	samples := dt.Samples()
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples after pruning, got %d", len(samples))
	}
	if samples[0].Depth != 2 {
		t.Errorf("expected oldest remaining depth 2, got %d", samples[0].Depth)
	}
}

func TestDepthTracker_CapsSamples(t *testing.T) {
	dt := NewDepthTracker(time.Hour, 3)
	base := time.Unix(1_000, 0)
	for i := 0; i < 10; i++ {
		dt.Record(int64(i), base.Add(time.Duration(i)*time.Second))
	}
	samples := dt.Samples()
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	if samples[0].Depth != 7 || samples[2].Depth != 9 {
		t.Errorf("expected newest samples 7..9, got %d..%d", samples[0].Depth, samples[2].Depth)
	}
}

func TestDepthTracker_KeepsNewestEvenIfWindowTiny(t *testing.T) {
	dt := NewDepthTracker(time.Nanosecond, 10)
	base := time.Unix(1_000, 0)
	dt.Record(5, base)
	dt.Record(6, base.Add(time.Second))
	if n := len(dt.Samples()); n != 1 {
		t.Errorf("expected only the newest sample, got %d", n)
	}
}

// ========================================
// Rate Tests
// ========================================

func TestDepthTracker_Rate(t *testing.T) {
	dt := NewDepthTracker(time.Minute, 60)
	base := time.Unix(1_000, 0)

	if rate := dt.Rate(); rate != 0 {
		t.Errorf("expected 0 rate with no samples, got %f", rate)
	}
	dt.Record(10, base)
	if rate := dt.Rate(); rate != 0 {
		t.Errorf("expected 0 rate with one sample, got %f", rate)
	}
	dt.Record(30, base.Add(10*time.Second))
	if rate := dt.Rate(); rate != 2 {
		t.Errorf("expected rate 2/s, got %f", rate)
	}
	dt.Record(0, base.Add(20*time.Second))
	if rate := dt.Rate(); rate != -0.5 {
		t.Errorf("expected rate -0.5/s, got %f", rate)
	}
}

func TestDepthTracker_SameTimestampRateIsZero(t *testing.T) {
	dt := NewDepthTracker(time.Minute, 60)
	at := time.Unix(1_000, 0)
	dt.Record(1, at)
	dt.Record(9, at)
	if rate := dt.Rate(); rate != 0 {
		t.Errorf("expected 0 rate for zero elapsed, got %f", rate)
	}
}

func TestDepthTracker_Clear(t *testing.T) {
	dt := NewDepthTracker(time.Minute, 60)
	dt.Record(1, time.Now())
	dt.Clear()
	if n := len(dt.Samples()); n != 0 {
		t.Errorf("expected no samples after clear, got %d", n)
	}
}

// ========================================
// Concurrency Tests
// ========================================

func TestDepthTracker_ConcurrentAccess(t *testing.T) {
	dt := NewDepthTracker(time.Minute, 50)
	base := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				dt.Record(int64(i), base.Add(time.Duration(g*100+i)*time.Millisecond))
				_ = dt.Rate()
				_ = dt.Samples()
			}
		}(g)
	}
	wg.Wait()
	if n := len(dt.Samples()); n > 50 {
		t.Errorf("expected at most 50 samples, got %d", n)
	}
}
