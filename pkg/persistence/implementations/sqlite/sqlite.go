package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ottermq/ottermon/pkg/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          INTEGER NOT NULL,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	destination TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	status      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS actions_at ON actions (at DESC);
`

// SqlitePersistence keeps action records in DataDir/<Options["file"]>,
// "audit.db" by default. Options["dsn"] overrides the location entirely.
type SqlitePersistence struct {
	dsn string
	db  *sql.DB
}

func NewSqlitePersistence(config *persistence.Config) (*SqlitePersistence, error) {
	dsn := config.Options["dsn"]
	if dsn == "" {
		file := config.Options["file"]
		if file == "" {
			file = "audit.db"
		}
		if err := os.MkdirAll(config.DataDir, 0755); err != nil {
			return nil, err
		}
		dsn = "file:" + filepath.Join(config.DataDir, file) + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	sp := &SqlitePersistence{dsn: dsn}
	return sp, sp.Initialize()
}

func (sp *SqlitePersistence) Initialize() error {
	db, err := sql.Open("sqlite3", sp.dsn)
	if err != nil {
		return fmt.Errorf("failed to open audit database: %w", err)
	}
	// one writer keeps sqlite free of lock contention
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	sp.db = db
	return nil
}

func (sp *SqlitePersistence) Close() error {
	if sp.db == nil {
		return nil
	}
	return sp.db.Close()
}

func (sp *SqlitePersistence) SaveAction(ctx context.Context, rec persistence.ActionRecord) (int64, error) {
	res, err := sp.db.ExecContext(ctx,
		`INSERT INTO actions (at, actor, action, destination, message_id, status, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.At, rec.Actor, rec.Action, rec.Destination, rec.MessageID, rec.Status, rec.Detail)
	if err != nil {
		return 0, fmt.Errorf("failed to insert action record: %w", err)
	}
	return res.LastInsertId()
}

func (sp *SqlitePersistence) LoadRecentActions(ctx context.Context, limit int) ([]persistence.ActionRecord, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := sp.db.QueryContext(ctx,
		`SELECT id, at, actor, action, destination, message_id, status, detail FROM actions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query action records: %w", err)
	}
	defer rows.Close()

	records := []persistence.ActionRecord{}
	for rows.Next() {
		var r persistence.ActionRecord
		if err := rows.Scan(&r.ID, &r.At, &r.Actor, &r.Action, &r.Destination, &r.MessageID, &r.Status, &r.Detail); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
