// Package machine implements the Machine Instance: the mutable runtime of
// one FSM — current state, persistent/volatile contexts, and the
// transition algorithm.
//
// A Machine Instance is deliberately ignorant of the registry that owns
// it (no back-reference): it exposes a Fire method the dispatch pool's
// worker calls while it exclusively owns the instance's mailbox, instead
// of running its own event loop goroutine. Eviction is requested by
// returning an Outcome.Evict value, never by calling back into a
// registry, so package machine has no dependency on package registry.
package machine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/comalice/fsmgrid/descriptor"
)

// Lifecycle and transition errors.
var (
	ErrAlreadyStarted = errors.New("machine: already started")
	ErrNotStarted      = errors.New("machine: not started")
	ErrEvicted         = errors.New("machine: evicted")
)

// PersistentContext is the durable, rehydratable half of a machine's
// state. CurrentState, LastStateChange and Complete are the three
// well-known fields every persistence adapter reads and writes directly;
// Data is the caller's opaque payload, held as a plain map rather than a
// synchronized type since the Instance's own lock already serializes
// every access during a transition.
type PersistentContext struct {
	CurrentState    string
	LastStateChange time.Time
	Complete        bool
	Data            map[string]any
}

// Clone returns a defensive copy suitable for snapshotting before a
// transition (so a failed transition can roll back) and for safe
// hand-off to readers outside the instance's lock.
func (c *PersistentContext) Clone() *PersistentContext {
	if c == nil {
		return nil
	}
	data := make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		data[k] = v
	}
	return &PersistentContext{
		CurrentState:    c.CurrentState,
		LastStateChange: c.LastStateChange,
		Complete:        c.Complete,
		Data:            data,
	}
}

// EvictKind tells the caller (the dispatch worker, on the registry's
// behalf) whether the transition just taken requires evicting the
// machine from the live set, and how.
type EvictKind int

const (
	EvictNone EvictKind = iota
	EvictFinal
	EvictOffline
)

// TimeoutArmer is the subset of the Timeout Scheduler's API the
// transition algorithm needs: arm a new timeout for the machine's new
// state, and cancel whatever was previously armed. Defined here (rather
// than imported from a concrete scheduler type) so machine has no
// compile-time dependency on the scheduler's implementation — only on
// the shape it needs, duck-typed against package timeoutwheel.
type TimeoutArmer interface {
	Schedule(machineID string, d time.Duration, epoch uint64) (handle any)
	Cancel(handle any)
}

// Deps bundles the transition algorithm's externally supplied effects:
// persistence and timeout arming. Now defaults to time.Now when nil.
type Deps struct {
	Persist func(machineID string, ctx *PersistentContext) error
	Armer   TimeoutArmer
	Now     func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Outcome reports what Fire actually did, for the registry to turn into
// listener notifications and eviction requests.
type Outcome struct {
	Accepted bool // false: event type had no transition in this state (ignored)
	Stayed   bool // true: Stay transition ran; OldState == NewState
	OldState string
	NewState string
	Evict    EvictKind
	Fault    error // non-nil: onEntry/onExit/Stay handler panicked (TransitionFault)
}

// Instance is one running FSM. The zero value is not usable; use New.
//
// Exactly one goroutine may call Fire at a time for a given Instance —
// the dispatch pool's per-machine mailbox ownership enforces this at the
// pool level; the RWMutex here is the second line of defense for that
// invariant, and is what makes CurrentState/Persistent/Volatile safe to
// call concurrently from any goroutine.
type Instance struct {
	id    string
	table *descriptor.Table

	mu             sync.RWMutex
	current        string
	persistent     *PersistentContext
	volatile       any
	armEpoch       uint64
	timeoutHandle  any
	started        bool
	evicted        bool
	faulted        bool
}

// New creates an Instance bound to table, not yet started.
func New(id string, table *descriptor.Table, volatile any) *Instance {
	return &Instance{
		id:       id,
		table:    table,
		volatile: volatile,
	}
}

// ID returns the machine's identity.
func (m *Instance) ID() string { return m.id }

// Start enters the initial state: runs its onEntry, arms its timeout if
// any, and initializes the persistent context's well-known fields.
// Fails with ErrAlreadyStarted if called twice. A panicking onEntry is
// caught and reported via Outcome.Fault rather than propagated, the same
// handler exception policy Fire applies to every other onEntry/onExit/Stay
// call.
func (m *Instance) Start(deps Deps) (out Outcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return Outcome{}, ErrAlreadyStarted
	}

	now := deps.now()
	m.current = m.table.Initial
	m.persistent = &PersistentContext{
		CurrentState:    m.table.Initial,
		LastStateChange: now,
		Data:            make(map[string]any),
	}
	m.started = true

	state := m.table.States[m.table.Initial]

	defer func() {
		if r := recover(); r != nil {
			// TransitionFault on the initial entry: the instance is still
			// considered started (m.started is already true and there is
			// no prior state to roll back to), but the caller is told the
			// handler did not complete.
			m.faulted = true
			out = Outcome{Accepted: true, OldState: m.current, NewState: m.current, Fault: fmt.Errorf("transition fault entering initial state %q: %v", m.current, r)}
			err = nil
		}
	}()

	if state.OnEntry != nil {
		state.OnEntry(m)
	}
	if state.Timeout != nil && deps.Armer != nil {
		m.timeoutHandle = deps.Armer.Schedule(m.id, timeoutDuration(state.Timeout), m.armEpoch)
	}
	if deps.Persist != nil {
		if err := deps.Persist(m.id, m.persistent.Clone()); err != nil {
			return Outcome{}, fmt.Errorf("machine: persist on start: %w", err)
		}
	}
	return Outcome{Accepted: true, OldState: m.current, NewState: m.current}, nil
}

// Rehydrate restores an Instance from a previously persisted context,
// restoring currentState directly and skipping the initial state's
// onEntry (it already ran before the first eviction). Arms a timeout for
// the loaded state if the descriptor configures one.
func (m *Instance) Rehydrate(ctx *PersistentContext, volatile any, deps Deps) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.table.State(ctx.CurrentState); !ok {
		return fmt.Errorf("machine: rehydrate: unknown state %q", ctx.CurrentState)
	}
	m.current = ctx.CurrentState
	m.persistent = ctx.Clone()
	m.volatile = volatile
	m.started = true

	state := m.table.States[ctx.CurrentState]
	if state.Timeout != nil && deps.Armer != nil {
		m.timeoutHandle = deps.Armer.Schedule(m.id, timeoutDuration(state.Timeout), m.armEpoch)
	}
	return nil
}

// CurrentState returns the machine's current state name. Safe to call
// from any goroutine; may return a value up to one transition old.
func (m *Instance) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Persistent returns a snapshot of the persistent context.
func (m *Instance) Persistent() *PersistentContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persistent.Clone()
}

// Volatile returns the volatile context, as supplied to New/Rehydrate.
func (m *Instance) Volatile() any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.volatile
}

// ArmEpoch returns the current arm-epoch, for the dispatch worker to
// compare against a delivered timeout's stamped epoch.
func (m *Instance) ArmEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.armEpoch
}

// Evicted reports whether the instance has left the live set.
func (m *Instance) Evicted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evicted
}

// MarkEvicted is called by the registry once it has removed the instance
// from its live index, so subsequent Fire calls fail fast.
func (m *Instance) MarkEvicted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evicted = true
}

func timeoutDuration(t *descriptor.Timeout) time.Duration {
	return time.Duration(t.Duration)
}
