// Package sqlitestore is a single-table Persistence Provider backed by
// modernc.org/sqlite, the pure-Go SQLite driver. Grounded on the same
// save/load/exists/delete/isComplete contract as jsonstore but chosen
// when callers want a single durable file with transactional writes
// instead of one file per machine.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/comalice/fsmgrid/machine"
	"github.com/comalice/fsmgrid/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS machine_context (
	id TEXT PRIMARY KEY,
	current_state TEXT NOT NULL,
	last_state_change TIMESTAMP NOT NULL,
	complete INTEGER NOT NULL,
	data BLOB NOT NULL
);`

// Store wraps a *sql.DB opened against the modernc.org/sqlite driver.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite file at path and ensures
// the machine_context table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Save(ctx context.Context, id string, pc *machine.PersistentContext) error {
	data, err := json.Marshal(pc.Data)
	if err != nil {
		return &persistence.Error{Op: "save", ID: id, Cause: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO machine_context (id, current_state, last_state_change, complete, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_state = excluded.current_state,
			last_state_change = excluded.last_state_change,
			complete = excluded.complete,
			data = excluded.data`,
		id, pc.CurrentState, pc.LastStateChange, boolToInt(pc.Complete), data)
	if err != nil {
		return &persistence.Error{Op: "save", ID: id, Cause: err}
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*machine.PersistentContext, error) {
	row := s.db.QueryRowContext(ctx, `SELECT current_state, last_state_change, complete, data FROM machine_context WHERE id = ?`, id)

	var (
		currentState string
		lastChange   time.Time
		completeInt  int
		data         []byte
	)
	if err := row.Scan(&currentState, &lastChange, &completeInt, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, &persistence.Error{Op: "load", ID: id, Cause: err}
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &persistence.Error{Op: "load", ID: id, Cause: err}
	}

	return persistence.FromRecord(persistence.Record{
		CurrentState:    currentState,
		LastStateChange: lastChange,
		Complete:        completeInt != 0,
		Data:            payload,
	}), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM machine_context WHERE id = ?`, id).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, &persistence.Error{Op: "exists", ID: id, Cause: err}
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM machine_context WHERE id = ?`, id); err != nil {
		return &persistence.Error{Op: "delete", ID: id, Cause: err}
	}
	return nil
}

func (s *Store) IsComplete(ctx context.Context, id string) (bool, error) {
	var completeInt int
	err := s.db.QueryRowContext(ctx, `SELECT complete FROM machine_context WHERE id = ?`, id).Scan(&completeInt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, persistence.ErrNotFound
		}
		return false, &persistence.Error{Op: "isComplete", ID: id, Cause: err}
	}
	return completeInt != 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
