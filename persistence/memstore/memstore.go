// Package memstore is the in-memory Persistence Provider: no durability
// across restarts, used by tests and the registry's rehydration-disabled
// deployment mode. Uses a plain mutex-guarded map rather than sync.Map,
// since writes dominate reads for this workload.
package memstore

import (
	"context"
	"sync"

	"github.com/comalice/fsmgrid/machine"
	"github.com/comalice/fsmgrid/persistence"
)

// Store is a goroutine-safe in-memory Provider.
type Store struct {
	mu      sync.RWMutex
	records map[string]persistence.Record
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]persistence.Record)}
}

func (s *Store) Save(ctx context.Context, id string, pc *machine.PersistentContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = persistence.ToRecord(pc)
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*machine.PersistentContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return persistence.FromRecord(r), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *Store) IsComplete(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return false, persistence.ErrNotFound
	}
	return r.Complete, nil
}
