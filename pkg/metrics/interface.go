package metrics

import "github.com/ottermq/ottermon/internal/core/models"

// Recorder is the slice of the exporter the monitor components write to.
// This interface allows for easy mocking in tests.
type Recorder interface {
	ObserveSnapshot(s *models.StatsSnapshot)
	RecordPollFailure()
	RecordAction(kind models.ActionKind, status models.ActionStatus)
	RecordReply(terminator string, stop bool)
	DLQGrowthRate() float64
}

// Ensure Exporter implements Recorder
var _ Recorder = (*Exporter)(nil)

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveSnapshot(*models.StatsSnapshot) {}
func (Noop) RecordPollFailure() {}
func (Noop) RecordAction(models.ActionKind, models.ActionStatus) {}
func (Noop) RecordReply(string, bool) {}
func (Noop) DLQGrowthRate() float64 { return 0 }
