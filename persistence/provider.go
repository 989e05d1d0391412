// Package persistence defines the Persistence Provider contract (spec
// §4.5): an abstract key-value store over a machine's PersistentContext,
// with save/load/exists/delete/isComplete. Concrete adapters live in
// subpackages (memstore, jsonstore, sqlitestore, pgstore) so the core
// registry never imports a storage driver directly.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/comalice/fsmgrid/machine"
)

// Provider is the abstract contract every storage backend implements.
// Same-id calls are expected to observe program order; cross-id ordering
// is unspecified.
type Provider interface {
	Save(ctx context.Context, id string, pc *machine.PersistentContext) error
	Load(ctx context.Context, id string) (*machine.PersistentContext, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	IsComplete(ctx context.Context, id string) (bool, error)
}

// ErrNotFound is returned by Load when id has no persisted record.
var ErrNotFound = fmt.Errorf("persistence: record not found")

// Error wraps a backend-specific failure so callers can distinguish a
// storage fault from a legitimate "not found" result, mirroring the
// descriptor package's InvalidDescriptor wrapping convention.
type Error struct {
	Op    string
	ID    string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persistence: %s %q: %v", e.Op, e.ID, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Record is the wire-level shape every adapter serializes
// PersistentContext to and from. Defined here, once, so adapters don't
// each invent their own field names or drift on the three well-known
// fields a caller reads directly after a load.
type Record struct {
	CurrentState    string         `json:"currentState" yaml:"currentState"`
	LastStateChange time.Time      `json:"lastStateChange" yaml:"lastStateChange"`
	Complete        bool           `json:"complete" yaml:"complete"`
	Data            map[string]any `json:"data" yaml:"data"`
}

// ToRecord flattens a PersistentContext into its wire shape.
func ToRecord(pc *machine.PersistentContext) Record {
	return Record{
		CurrentState:    pc.CurrentState,
		LastStateChange: pc.LastStateChange,
		Complete:        pc.Complete,
		Data:            pc.Data,
	}
}

// FromRecord rebuilds a PersistentContext from its wire shape.
func FromRecord(r Record) *machine.PersistentContext {
	data := r.Data
	if data == nil {
		data = make(map[string]any)
	}
	return &machine.PersistentContext{
		CurrentState:    r.CurrentState,
		LastStateChange: r.LastStateChange,
		Complete:        r.Complete,
		Data:            data,
	}
}
