// Package eventreg provides the process-wide bijection between concrete
// event types and the stable string names the dispatch tables key on.
//
// Registration is expected at startup and is idempotent for a repeated
// (type, name) pair. Lookups are read-mostly and lock-free on the fast
// path, backed by sync.Map; writes are serialized by a mutex.
package eventreg

import (
	"fmt"
	"reflect"
	"sync"
)

// Errors returned by Registry. Compare with errors.Is.
var (
	ErrDuplicateRegistration = fmt.Errorf("eventreg: type registered under a different name")
	ErrUnknownEventType      = fmt.Errorf("eventreg: event type has no registered name")
)

// Registry is a concurrent, process-wide type<->name bijection.
//
// The zero value is an empty, usable Registry, the same value New
// returns. A package-level Default is provided for the common case of
// one registry per process.
type Registry struct {
	mu        sync.Mutex // guards writes only; reads go through the atomic maps below
	typeToName sync.Map // reflect.Type -> string
	nameToType sync.Map // string -> reflect.Type
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Default is the process-wide registry used by callers that don't need
// isolated namespaces (typically: one per process, populated at startup).
var Default = New()

// Register associates the concrete type of sample with name.
//
// Calling Register twice with the same (type, name) pair is a no-op.
// Registering the same type under a different name, or the same name
// under a different type, fails with ErrDuplicateRegistration.
func (r *Registry) Register(sample any, name string) error {
	t := reflect.TypeOf(sample)
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingName, ok := r.typeToName.Load(t); ok {
		if existingName != name {
			return fmt.Errorf("%w: type %s already registered as %q, got %q", ErrDuplicateRegistration, t, existingName, name)
		}
	}
	if existingType, ok := r.nameToType.Load(name); ok {
		if existingType != t {
			return fmt.Errorf("%w: name %q already registered to type %s, got %s", ErrDuplicateRegistration, name, existingType, t)
		}
	}

	r.typeToName.Store(t, name)
	r.nameToType.Store(name, t)
	return nil
}

// NameOf returns the registered name for event's concrete type.
func (r *Registry) NameOf(event any) (string, error) {
	t := reflect.TypeOf(event)
	v, ok := r.typeToName.Load(t)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}
	return v.(string), nil
}

// TypeOf returns the reflect.Type registered under name, if any.
func (r *Registry) TypeOf(name string) (reflect.Type, bool) {
	v, ok := r.nameToType.Load(name)
	if !ok {
		return nil, false
	}
	return v.(reflect.Type), true
}
