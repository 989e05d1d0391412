// Package jsonstore is a file-based Persistence Provider, one JSON file
// per machine id, storing the persistence.Record wire shape plus the
// exists/delete/isComplete operations a plain snapshot writer wouldn't
// otherwise need.
package jsonstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/comalice/fsmgrid/machine"
	"github.com/comalice/fsmgrid/persistence"
)

// Store writes one <dir>/<id>.json file per machine.
type Store struct {
	dir string
}

// New ensures dir exists and returns a Store rooted there.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) Save(ctx context.Context, id string, pc *machine.PersistentContext) error {
	data, err := json.MarshalIndent(persistence.ToRecord(pc), "", "  ")
	if err != nil {
		return &persistence.Error{Op: "save", ID: id, Cause: err}
	}
	if err := os.WriteFile(s.path(id), data, 0o644); err != nil {
		return &persistence.Error{Op: "save", ID: id, Cause: err}
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*machine.PersistentContext, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrNotFound
		}
		return nil, &persistence.Error{Op: "load", ID: id, Cause: err}
	}
	var r persistence.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &persistence.Error{Op: "load", ID: id, Cause: err}
	}
	return persistence.FromRecord(r), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, &persistence.Error{Op: "exists", ID: id, Cause: err}
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &persistence.Error{Op: "delete", ID: id, Cause: err}
	}
	return nil
}

func (s *Store) IsComplete(ctx context.Context, id string) (bool, error) {
	pc, err := s.Load(ctx, id)
	if err != nil {
		return false, err
	}
	return pc.Complete, nil
}
