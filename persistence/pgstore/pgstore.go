// Package pgstore is a partitioned Persistence Provider backed by
// github.com/jackc/pgx/v5, the connection-pooled PostgreSQL driver.
// Rows are hash-partitioned across a fixed number of
// "machine_context_NN" tables by id, trading a single hot table for
// several smaller ones under high machine counts.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/comalice/fsmgrid/machine"
	"github.com/comalice/fsmgrid/persistence"
)

// Store holds a pgxpool.Pool and the partition count it was provisioned
// with; Partitions must match whatever created the backing tables.
type Store struct {
	pool       *pgxpool.Pool
	partitions int
}

// Open connects to PostgreSQL at dsn and returns a Store hash-sharding
// across partitions tables. Partitions must already exist (provisioning
// DDL is an operator concern, not part of this contract).
func Open(ctx context.Context, dsn string, partitions int) (*Store, error) {
	if partitions < 1 {
		partitions = 1
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	return &Store{pool: pool, partitions: partitions}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) table(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return fmt.Sprintf("machine_context_%02d", int(h.Sum32())%s.partitions)
}

func (s *Store) Save(ctx context.Context, id string, pc *machine.PersistentContext) error {
	data, err := json.Marshal(pc.Data)
	if err != nil {
		return &persistence.Error{Op: "save", ID: id, Cause: err}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, current_state, last_state_change, complete, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			current_state = excluded.current_state,
			last_state_change = excluded.last_state_change,
			complete = excluded.complete,
			data = excluded.data`, s.table(id))
	if _, err := s.pool.Exec(ctx, query, id, pc.CurrentState, pc.LastStateChange, pc.Complete, data); err != nil {
		return &persistence.Error{Op: "save", ID: id, Cause: err}
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*machine.PersistentContext, error) {
	query := fmt.Sprintf(`SELECT current_state, last_state_change, complete, data FROM %s WHERE id = $1`, s.table(id))
	row := s.pool.QueryRow(ctx, query, id)

	var (
		currentState string
		lastChange   time.Time
		complete     bool
		data         []byte
	)
	if err := row.Scan(&currentState, &lastChange, &complete, &data); err != nil {
		if err == pgx.ErrNoRows {
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
		Complete:        complete,
		Data:            payload,
	}), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, s.table(id))
	var one int
	err := s.pool.QueryRow(ctx, query, id).Scan(&one)
	if err == nil {
		return true, nil
	}
	if err == pgx.ErrNoRows {
		return false, nil
	}
	return false, &persistence.Error{Op: "exists", ID: id, Cause: err}
}

func (s *Store) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table(id))
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return &persistence.Error{Op: "delete", ID: id, Cause: err}
	}
	return nil
}

func (s *Store) IsComplete(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT complete FROM %s WHERE id = $1`, s.table(id))
	var complete bool
	err := s.pool.QueryRow(ctx, query, id).Scan(&complete)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, persistence.ErrNotFound
		}
		return false, &persistence.Error{Op: "isComplete", ID: id, Cause: err}
	}
	return complete, nil
}
