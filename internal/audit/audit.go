// Package audit records every management action the monitor executed or
// refused, backed by one of the persistence implementations.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/ottermq/ottermon/pkg/persistence"
	"github.com/ottermq/ottermon/pkg/persistence/implementations/dummy"
	"github.com/ottermq/ottermon/pkg/persistence/implementations/json"
	"github.com/ottermq/ottermon/pkg/persistence/implementations/sqlite"
	"github.com/rs/zerolog/log"
)

type Log struct {
	store persistence.Persistence
}

func New(store persistence.Persistence) *Log {
	return &Log{store: store}
}

// Open builds the store named by cfg.Type. An empty type disables auditing.
func Open(cfg persistence.Config) (*Log, error) {
	var (
		store persistence.Persistence
		err   error
	)
	switch cfg.Type {
	case "", "dummy", "none":
		store = &dummy.DummyPersistence{}
	case "sqlite":
		store, err = sqlite.NewSqlitePersistence(&cfg)
	case "json":
		store, err = json.NewJsonPersistence(&cfg)
	default:
		return nil, fmt.Errorf("unknown audit store type '%s'", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s audit store: %w", cfg.Type, err)
	}
	log.Info().Str("type", cfg.Type).Str("dir", cfg.DataDir).Msg("Audit log opened")
	return New(store), nil
}

func (l *Log) Record(ctx context.Context, entry models.AuditEntryDTO) error {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	_, err := l.store.SaveAction(ctx, persistence.ActionRecord{
		At:          entry.At.UnixMilli(),
		Actor:       entry.Actor,
		Action:      string(entry.Kind),
		Destination: entry.Destination,
		MessageID:   entry.MessageID,
		Status:      string(entry.Status),
		Detail:      entry.Detail,
	})
	return err
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]models.AuditEntryDTO, error) {
	records, err := l.store.LoadRecentActions(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.AuditEntryDTO, 0, len(records))
	for _, r := range records {
		out = append(out, models.AuditEntryDTO{
			ID:          r.ID,
			At:          time.UnixMilli(r.At).UTC(),
			Actor:       r.Actor,
			Kind:        models.ActionKind(r.Action),
			Destination: r.Destination,
			MessageID:   r.MessageID,
			Status:      models.ActionStatus(r.Status),
			Detail:      r.Detail,
		})
	}
	return out, nil
}

func (l *Log) Close() error {
	return l.store.Close()
}
