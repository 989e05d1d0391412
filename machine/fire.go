package machine

import (
	"fmt"

	"github.com/comalice/fsmgrid/descriptor"
)

// Fire resolves event (already named typeName by the Event Type Registry)
// against the current state's transitions and runs the transition
// algorithm. The caller — the dispatch worker — must already hold
// exclusive ownership of this instance's mailbox; Fire's own lock is the
// second line of defense, not a substitute for that ownership
// discipline.
func (m *Instance) Fire(typeName string, event any, deps Deps) (out Outcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.evicted {
		return Outcome{}, ErrEvicted
	}
	if !m.started {
		return Outcome{}, ErrNotStarted
	}

	state, ok := m.table.State(m.current)
	if !ok {
		return Outcome{}, fmt.Errorf("machine: current state %q not in descriptor", m.current)
	}
	tr, ok := state.Transitions[typeName]
	if !ok && typeName == descriptor.TimeoutEventName && state.Timeout != nil {
		// An expired per-state timeout is a Go to the configured target.
		tr, ok = descriptor.GoTo(state.Timeout.Target), true
	}
	if !ok {
		// Unmatched event: ignored. No state change, no listener event,
		// no timeout reset.
		return Outcome{Accepted: false, OldState: m.current, NewState: m.current}, nil
	}

	old := m.current
	snapshotCtx := m.persistent.Clone()
	snapshotHandle := m.timeoutHandle
	snapshotEpoch := m.armEpoch

	defer func() {
		if r := recover(); r != nil {
			// TransitionFault: roll back to the pre-call snapshot and
			// report a synthetic self-transition instead of propagating
			// the panic.
			m.current = old
			m.persistent = snapshotCtx
			m.timeoutHandle = snapshotHandle
			m.armEpoch = snapshotEpoch
			m.faulted = true
			out = Outcome{Accepted: true, OldState: old, NewState: old, Fault: fmt.Errorf("transition fault in state %q: %v", old, r)}
			err = nil
		}
	}()

	if tr.Kind == descriptor.Stay {
		return m.runStay(old, tr, event, deps)
	}
	return m.runGo(old, state, tr, deps)
}

// runStay executes an in-state transition: the handler runs, no
// entry/exit, no timeout reset, and the context persists unconditionally
// regardless of whether the handler actually mutated anything.
func (m *Instance) runStay(old string, tr descriptor.Transition, event any, deps Deps) (Outcome, error) {
	snapshot := m.persistent.Clone()
	if tr.Handler != nil {
		tr.Handler(m, event)
	}
	if deps.Persist != nil {
		if err := deps.Persist(m.id, m.persistent.Clone()); err != nil {
			m.persistent = snapshot
			return Outcome{}, fmt.Errorf("machine: persist on stay: %w", err)
		}
	}
	return Outcome{Accepted: true, Stayed: true, OldState: old, NewState: old}, nil
}

// runGo executes a Go transition: exit the old state, cancel and
// re-arm timeouts, move to the target state, run entry, persist, and
// report whether the target state requires eviction.
func (m *Instance) runGo(old string, oldConfig *descriptor.StateConfig, tr descriptor.Transition, deps Deps) (Outcome, error) {
	snapshotCtx := m.persistent.Clone()
	snapshotHandle := m.timeoutHandle
	snapshotEpoch := m.armEpoch

	if oldConfig.OnExit != nil {
		oldConfig.OnExit(m)
	}

	if deps.Armer != nil && m.timeoutHandle != nil {
		deps.Armer.Cancel(m.timeoutHandle)
	}
	m.timeoutHandle = nil
	m.armEpoch++

	target := tr.Target
	targetConfig, ok := m.table.State(target)
	if !ok {
		return Outcome{}, fmt.Errorf("machine: transition target %q not in descriptor", target)
	}

	m.current = target
	m.persistent.CurrentState = target
	m.persistent.LastStateChange = deps.now()
	if targetConfig.Final {
		m.persistent.Complete = true
	}

	if targetConfig.OnEntry != nil {
		targetConfig.OnEntry(m)
	}

	if targetConfig.Timeout != nil && deps.Armer != nil {
		m.timeoutHandle = deps.Armer.Schedule(m.id, timeoutDuration(targetConfig.Timeout), m.armEpoch)
	}

	if deps.Persist != nil {
		if err := deps.Persist(m.id, m.persistent.Clone()); err != nil {
			m.current = old
			m.persistent = snapshotCtx
			m.timeoutHandle = snapshotHandle
			m.armEpoch = snapshotEpoch
			return Outcome{}, fmt.Errorf("machine: persist on transition %s->%s: %w", old, target, err)
		}
	}

	evict := EvictNone
	switch {
	case targetConfig.Final:
		evict = EvictFinal
	case targetConfig.Offline:
		evict = EvictOffline
	}
	if evict != EvictNone {
		m.evicted = true
	}

	return Outcome{Accepted: true, OldState: old, NewState: target, Evict: evict}, nil
}
