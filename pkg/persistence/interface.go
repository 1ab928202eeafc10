package persistence

import "context"

// Persistence stores executed management actions.
type Persistence interface {
	// SaveAction appends a record and returns its assigned id.
	SaveAction(ctx context.Context, rec ActionRecord) (int64, error)
	// LoadRecentActions returns up to limit records, newest first.
	LoadRecentActions(ctx context.Context, limit int) ([]ActionRecord, error)

	// Lifecycle
	Initialize() error
	Close() error
}

// Config for persistence implementations
type Config struct {
	Type    string            `json:"type"`     // "sqlite", "json" or "dummy"
	DataDir string            `json:"data_dir"` // Base directory for storage
	Options map[string]string `json:"options"`  // Implementation-specific options
}
