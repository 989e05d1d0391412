// Package listener implements the Listener Bus: synchronous fan-out of
// registry lifecycle and transition events, with reentrancy rejection
// and per-listener fault isolation so one bad listener never aborts a
// transition or deafens its siblings.
package listener

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/comalice/fsmgrid/machine"
)

// ErrReentrantDispatch is returned by Bus.Notify* when a listener is
// found to be calling back into the bus for the machine it is currently
// being notified about (spec's ReentrantDispatch).
var ErrReentrantDispatch = errors.New("listener: reentrant dispatch rejected")

// Listener receives registry lifecycle and transition notifications.
// Implementations must not block indefinitely; the bus runs them
// synchronously on the notifying goroutine: the dispatch worker for
// transitions and final/offline evictions, the caller of Register,
// CreateOrGet or RemoveMachine for the lifecycle events those emit.
type Listener interface {
	OnRegistryCreate(id string)
	OnRegistryRehydrate(id string)
	OnRegistryRemove(id string)
	OnStateMachineEvent(id, oldState, newState string, persistent *machine.PersistentContext, volatile any)
}

// Bus fans out to a set of Listeners. The zero value is ready to use.
type Bus struct {
	log zerolog.Logger

	mu        sync.RWMutex
	listeners []Listener

	inflight sync.Map // machine id (string) -> struct{}, guards reentrancy
}

// New returns a Bus that logs listener panics/errors via log.
func New(log zerolog.Logger) *Bus {
	return &Bus{log: log}
}

// Add registers a listener. Not idempotent: adding the same listener
// twice notifies it twice.
func (b *Bus) Add(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Remove drops the first occurrence of l, if present.
func (b *Bus) Remove(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *Bus) snapshot() []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Listener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

// enter marks id as currently being dispatched; returns
// ErrReentrantDispatch if a dispatch for id is already in flight on this
// goroutine's call stack (a listener called back into the bus for the
// same machine it's being notified about).
func (b *Bus) enter(id string) error {
	if _, loaded := b.inflight.LoadOrStore(id, struct{}{}); loaded {
		return ErrReentrantDispatch
	}
	return nil
}

func (b *Bus) leave(id string) {
	b.inflight.Delete(id)
}

// InFlight reports whether a notification for id is currently being
// delivered on some goroutine. The registry consults this before
// accepting a synchronous sendEvent for id that originates from inside
// a listener callback, rejecting it with ErrReentrantDispatch.
func (b *Bus) InFlight(id string) bool {
	_, ok := b.inflight.Load(id)
	return ok
}

func (b *Bus) safeCall(id string, fn func(l Listener)) {
	for _, l := range b.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Str("machineId", id).Interface("panic", r).Msg("listener panicked")
				}
			}()
			fn(l)
		}()
	}
}

// NotifyCreate emits onRegistryCreate.
func (b *Bus) NotifyCreate(id string) error {
	if err := b.enter(id); err != nil {
		return err
	}
	defer b.leave(id)
	b.safeCall(id, func(l Listener) { l.OnRegistryCreate(id) })
	return nil
}

// NotifyRehydrate emits onRegistryRehydrate.
func (b *Bus) NotifyRehydrate(id string) error {
	if err := b.enter(id); err != nil {
		return err
	}
	defer b.leave(id)
	b.safeCall(id, func(l Listener) { l.OnRegistryRehydrate(id) })
	return nil
}

// NotifyRemove emits onRegistryRemove.
func (b *Bus) NotifyRemove(id string) error {
	if err := b.enter(id); err != nil {
		return err
	}
	defer b.leave(id)
	b.safeCall(id, func(l Listener) { l.OnRegistryRemove(id) })
	return nil
}

// NotifyStateMachineEvent emits onStateMachineEvent, in the transition
// order delivered by the dispatch worker for machine id.
func (b *Bus) NotifyStateMachineEvent(id, oldState, newState string, persistent *machine.PersistentContext, volatile any) error {
	if err := b.enter(id); err != nil {
		return err
	}
	defer b.leave(id)
	b.safeCall(id, func(l Listener) { l.OnStateMachineEvent(id, oldState, newState, persistent, volatile) })
	return nil
}
