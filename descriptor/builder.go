package descriptor

import "fmt"

// Builder constructs a Table fluently through chained method calls,
// validating everything at Build time rather than on each fluent call.
type Builder struct {
	initial        string
	states         map[string]*StateConfig
	order          []string            // preserves declaration order for deterministic error messages
	dupStates      []string            // names passed to State() more than once
	dupTransitions []dupTransitionKey  // (state, event) pairs registered more than once
}

type dupTransitionKey struct {
	state string
	event string
}

// NewMachine starts a builder for the machine identified by id.
// id is accepted for symmetry with the fluent API described in the
// external interface but is not stored on Table (callers key machines by
// MachineId in the registry, not by descriptor id).
func NewMachine(id string) *Builder {
	_ = id
	return &Builder{states: make(map[string]*StateConfig)}
}

// Initial sets the table's initial state name.
func (b *Builder) Initial(name string) *Builder {
	b.initial = name
	return b
}

// State begins configuring a new state named name. Calling State with the
// same name twice is a duplicate declaration, reported at Build time; use
// the StateScope returned here (and its fluent chain) to add everything
// that state needs rather than calling Builder.State(name) again.
func (b *Builder) State(name string) *StateScope {
	if _, ok := b.states[name]; ok {
		b.dupStates = append(b.dupStates, name)
		// Return a scope over a throwaway copy so chained calls don't
		// corrupt the already-declared state; Build will fail regardless.
		return &StateScope{b: b, s: &StateConfig{Name: name, Transitions: make(map[string]Transition)}}
	}
	s := &StateConfig{Name: name, Transitions: make(map[string]Transition)}
	b.states[name] = s
	b.order = append(b.order, name)
	return &StateScope{b: b, s: s}
}

// Build validates the accumulated configuration and returns the immutable
// Table, or an *InvalidDescriptor describing the first problem found.
func (b *Builder) Build() (*Table, error) {
	if len(b.dupStates) > 0 {
		return nil, &InvalidDescriptor{Cause: fmt.Errorf("%w: %q", ErrDuplicateState, b.dupStates[0])}
	}
	if len(b.dupTransitions) > 0 {
		d := b.dupTransitions[0]
		return nil, &InvalidDescriptor{Cause: fmt.Errorf("%w: state %q event %q", ErrDuplicateTransition, d.state, d.event)}
	}
	if b.initial == "" {
		return nil, &InvalidDescriptor{Cause: ErrUnknownInitial}
	}
	if _, ok := b.states[b.initial]; !ok {
		return nil, &InvalidDescriptor{Cause: fmt.Errorf("%w: %q", ErrUnknownInitial, b.initial)}
	}

	for _, name := range b.order {
		s := b.states[name]
		if s.Final && s.Offline {
			return nil, &InvalidDescriptor{Cause: fmt.Errorf("%w: %q", ErrFinalAndOffline, name)}
		}
		if s.Final && len(s.Transitions) > 0 {
			return nil, &InvalidDescriptor{Cause: fmt.Errorf("%w: %q", ErrTransitionOnFinal, name)}
		}
		for event, tr := range s.Transitions {
			if tr.Kind == Go {
				if _, ok := b.states[tr.Target]; !ok {
					return nil, &InvalidDescriptor{Cause: fmt.Errorf("%w: state %q event %q -> %q", ErrUnknownTarget, name, event, tr.Target)}
				}
			}
		}
		if s.Timeout != nil {
			if s.Timeout.Duration <= 0 {
				return nil, &InvalidDescriptor{Cause: fmt.Errorf("%w: state %q", ErrBadTimeout, name)}
			}
			if _, ok := b.states[s.Timeout.Target]; !ok {
				return nil, &InvalidDescriptor{Cause: fmt.Errorf("%w: state %q timeout target %q", ErrUnknownTarget, name, s.Timeout.Target)}
			}
		}
	}

	states := make(map[string]*StateConfig, len(b.states))
	for name, s := range b.states {
		cp := *s
		cp.Transitions = make(map[string]Transition, len(s.Transitions))
		for k, v := range s.Transitions {
			cp.Transitions[k] = v
		}
		states[name] = &cp
	}

	return &Table{Initial: b.initial, States: states}, nil
}

// StateScope configures a single state; returned by Builder.State.
type StateScope struct {
	b *Builder
	s *StateConfig
}

// OnEntry sets the state's entry action.
func (s *StateScope) OnEntry(a Action) *StateScope {
	s.s.OnEntry = a
	return s
}

// OnExit sets the state's exit action.
func (s *StateScope) OnExit(a Action) *StateScope {
	s.s.OnExit = a
	return s
}

// On starts configuring the transition taken when event fires in this
// state. Chain .GoTo(target) or .Stay(handler) to finish it.
func (s *StateScope) On(event string) *TransitionScope {
	return &TransitionScope{state: s, event: event}
}

// Timeout arms a per-state timeout: if still in this state after d
// (nanoseconds), fire a synthetic transition to target.
func (s *StateScope) Timeout(d int64, target string) *StateScope {
	s.s.Timeout = &Timeout{Duration: d, Target: target}
	return s
}

// Final marks the state as final: on arrival the machine is evicted and
// persistent.complete is set true.
func (s *StateScope) Final() *StateScope {
	s.s.Final = true
	return s
}

// Offline marks the state as offline: on arrival the machine is evicted
// from the live set but its persistence is preserved for rehydration.
func (s *StateScope) Offline() *StateScope {
	s.s.Offline = true
	return s
}

// State switches the builder's focus to another state, for chaining
// multiple states off one Builder expression.
func (s *StateScope) State(name string) *StateScope {
	return s.b.State(name)
}

// Build delegates to the owning Builder.
func (s *StateScope) Build() (*Table, error) {
	return s.b.Build()
}

// TransitionScope finishes a transition started by StateScope.On.
type TransitionScope struct {
	state *StateScope
	event string
}

// GoTo records a Go(target) transition for the pending event.
func (t *TransitionScope) GoTo(target string) *StateScope {
	t.recordDup()
	t.state.s.Transitions[t.event] = GoTo(target)
	return t.state
}

// Stay records a Stay(handler) transition for the pending event.
func (t *TransitionScope) Stay(handler StayHandler) *StateScope {
	t.recordDup()
	t.state.s.Transitions[t.event] = StayWith(handler)
	return t.state
}

// recordDup notes a (state, event) collision for Build to report; a plain
// map assignment would otherwise overwrite the earlier transition
// silently.
func (t *TransitionScope) recordDup() {
	if _, exists := t.state.s.Transitions[t.event]; exists {
		b := t.state.b
		b.dupTransitions = append(b.dupTransitions, dupTransitionKey{state: t.state.s.Name, event: t.event})
	}
}
