package dummy

import (
	"context"

	"github.com/ottermq/ottermon/pkg/persistence"
)

// DummyPersistence implements persistence.Persistence with no-ops for testing
type DummyPersistence struct{}

func (d *DummyPersistence) SaveAction(ctx context.Context, rec persistence.ActionRecord) (int64, error) {
	return 0, nil
}

// LoadRecentActions returns an empty slice
func (d *DummyPersistence) LoadRecentActions(ctx context.Context, limit int) ([]persistence.ActionRecord, error) {
	return []persistence.ActionRecord{}, nil
}

func (d *DummyPersistence) Initialize() error { return nil }
func (d *DummyPersistence) Close() error      { return nil }
