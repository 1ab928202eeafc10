package json

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ottermq/ottermon/pkg/persistence"
)

const fileName = "actions.jsonl"

// JsonPersistence appends one JSON document per line to DataDir/actions.jsonl.
type JsonPersistence struct {
	dataDir string

	mu     sync.Mutex
	nextID int64
}

func NewJsonPersistence(config *persistence.Config) (*JsonPersistence, error) {
	jp := &JsonPersistence{
		dataDir: config.DataDir,
	}
	return jp, jp.Initialize()
}

func (jp *JsonPersistence) path() string {
	return filepath.Join(jp.dataDir, fileName)
}

func (jp *JsonPersistence) Initialize() error {
	// Create the base data directory if it doesn't exist
	if err := os.MkdirAll(jp.dataDir, 0755); err != nil {
		return err
	}
	records, err := jp.readAll()
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.ID > jp.nextID {
			jp.nextID = r.ID
		}
	}
	return nil
}

func (jp *JsonPersistence) Close() error {
	// JSON implementation doesn't need to clean up
	return nil
}

func (jp *JsonPersistence) SaveAction(ctx context.Context, rec persistence.ActionRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	jp.mu.Lock()
	defer jp.mu.Unlock()

	jp.nextID++
	rec.ID = jp.nextID
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(jp.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return 0, fmt.Errorf("failed to append action record: %w", err)
	}
	return rec.ID, nil
}

func (jp *JsonPersistence) LoadRecentActions(ctx context.Context, limit int) ([]persistence.ActionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jp.mu.Lock()
	records, err := jp.readAll()
	jp.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]persistence.ActionRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, records[i])
	}
	return out, nil
}

func (jp *JsonPersistence) readAll() ([]persistence.ActionRecord, error) {
	f, err := os.Open(jp.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []persistence.ActionRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r persistence.ActionRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("corrupt action record in %s: %w", jp.path(), err)
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}
