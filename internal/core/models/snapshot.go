package models

import (
	"sort"
	"time"
)

// QueueStats holds point-in-time counters for one destination.
type QueueStats struct {
	QueueSize     int `json:"queue_size"`
	InFlightCount int `json:"in_flight_count"`
	DLQSize       int `json:"dlq_size"`
}

// StatsSnapshot is the immutable product of one poll cycle.
// It is never updated after construction; a new poll yields a new snapshot.
type StatsSnapshot struct {
	capturedAt   time.Time
	destinations map[Destination]QueueStats
	ordered      []Destination
}

// NewStatsSnapshot copies stats into a new snapshot.
func NewStatsSnapshot(capturedAt time.Time, stats map[Destination]QueueStats) *StatsSnapshot {
	s := &StatsSnapshot{
		capturedAt:   capturedAt,
		destinations: make(map[Destination]QueueStats, len(stats)),
		ordered:      make([]Destination, 0, len(stats)),
	}
	for d, qs := range stats {
		if d.Kind != KindDLQ {
			qs.DLQSize = 0
		}
		s.destinations[d] = qs
		s.ordered = append(s.ordered, d)
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		a, b := s.ordered[i], s.ordered[j]
		if a.RelatedEndpointID != b.RelatedEndpointID {
			return a.RelatedEndpointID < b.RelatedEndpointID
		}
		return a.Kind != b.Kind && a.Kind == KindQueue
	})
	return s
}

// EmptySnapshot is served before the first successful poll.
func EmptySnapshot() *StatsSnapshot {
	return NewStatsSnapshot(time.Time{}, nil)
}

func (s *StatsSnapshot) CapturedAt() time.Time {
	return s.capturedAt
}

func (s *StatsSnapshot) Len() int {
	return len(s.ordered)
}

// Stats returns the counters for d.
func (s *StatsSnapshot) Stats(d Destination) (QueueStats, bool) {
	qs, ok := s.destinations[d]
	return qs, ok
}

// Lookup finds a destination by broker queue name.
func (s *StatsSnapshot) Lookup(name string) (Destination, QueueStats, bool) {
	for _, d := range s.ordered {
		if d.Name == name {
			return d, s.destinations[d], true
		}
	}
	return Destination{}, QueueStats{}, false
}

// Destinations returns the destinations sorted by endpoint, queue before DLQ.
// The returned slice is a copy.
func (s *StatsSnapshot) Destinations() []Destination {
	out := make([]Destination, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// TotalDLQ sums DLQ depth across all dead-letter destinations.
func (s *StatsSnapshot) TotalDLQ() int {
	total := 0
	for _, qs := range s.destinations {
		total += qs.DLQSize
	}
	return total
}

// Age is the time elapsed since capture. A zero snapshot has no age.
func (s *StatsSnapshot) Age(now time.Time) time.Duration {
	if s.capturedAt.IsZero() {
		return 0
	}
	return now.Sub(s.capturedAt)
}
