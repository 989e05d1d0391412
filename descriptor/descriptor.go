// Package descriptor defines the state descriptor table: the immutable,
// declarative schema a Machine Instance is built against.
//
// The core table and builder use only the Go standard library plus
// gopkg.in/yaml.v3 for the optional YAML loader, keeping the hot path
// free of third-party dependencies.
//
// Unlike a hierarchical statechart, this model is flat: no nesting, no
// parallel regions, no history pseudostates, and no guards. Guard-like
// behavior is the caller's responsibility, expressed by emitting a
// different event type rather than by conditioning a transition at
// runtime. All validation happens at Build time so the dispatch hot path
// never re-checks schema invariants.
package descriptor

import (
	"errors"
	"fmt"
)

// Action runs on state entry or exit. It receives no transition context
// beyond the machine handle, supplied by the caller as m.
type Action func(m any)

// StayHandler runs for an in-state ("stay") transition. It receives the
// machine handle and the event that triggered it, and may mutate the
// machine's persistent/volatile contexts directly.
type StayHandler func(m any, event any)

// Transition is either Go (move to a target state) or Stay (run a handler
// without changing state). Exactly one of the two fields is meaningful;
// use the Kind to discriminate.
type Transition struct {
	Kind   TransitionKind
	Target string      // meaningful when Kind == Go
	Handler StayHandler // meaningful when Kind == Stay
}

// TransitionKind discriminates a Transition's behavior.
type TransitionKind int

const (
	// Go moves the machine to Target, running exit/entry actions.
	Go TransitionKind = iota
	// Stay runs Handler in place; no entry/exit, no timeout reset.
	Stay
)

// GoTo builds a Go transition to target.
func GoTo(target string) Transition {
	return Transition{Kind: Go, Target: target}
}

// StayWith builds a Stay transition running handler.
func StayWith(handler StayHandler) Transition {
	return Transition{Kind: Stay, Handler: handler}
}

// Timeout configures a per-state timeout: if the state is not left within
// Duration, a synthetic TimeoutEventName event fires and is treated as a
// Go(Target) transition.
type Timeout struct {
	Duration int64  // nanoseconds, monotonic; >0 required
	Target   string
}

// TimeoutEventName is the well-known internal event name the Timeout
// Scheduler uses to deliver an expired timeout to a machine's dispatch
// loop. Neither eventreg nor the Builder rejects it as a caller event
// name; an explicit transition on it takes precedence over the state's
// Timeout.
const TimeoutEventName = "__TIMEOUT__"

// StateConfig is one node of the descriptor table.
type StateConfig struct {
	Name        string
	OnEntry     Action
	OnExit      Action
	Transitions map[string]Transition // event type name -> transition
	Timeout     *Timeout
	Final       bool
	Offline     bool
}

// Table is the immutable, built descriptor table a Machine Instance runs
// against. Zero value is not valid; construct via Builder.
type Table struct {
	Initial string
	States  map[string]*StateConfig
}

// State looks up a state by name.
func (t *Table) State(name string) (*StateConfig, bool) {
	s, ok := t.States[name]
	return s, ok
}

// Errors surfaced by Builder.Build as InvalidDescriptor causes.
var (
	ErrDuplicateState      = errors.New("descriptor: duplicate state name")
	ErrDuplicateTransition = errors.New("descriptor: duplicate transition for (state, event)")
	ErrBadTimeout          = errors.New("descriptor: timeout must have positive duration and a declared target")
	ErrUnknownInitial      = errors.New("descriptor: initial state not declared")
	ErrFinalAndOffline     = errors.New("descriptor: a state cannot be both final and offline")
	ErrTransitionOnFinal   = errors.New("descriptor: a final state accepts no events")
	ErrUnknownTarget       = errors.New("descriptor: transition target references an undeclared state")
)

// InvalidDescriptor wraps the first validation failure found at Build
// time, so the hot dispatch path never has to re-validate the schema.
type InvalidDescriptor struct {
	Cause error
}

func (e *InvalidDescriptor) Error() string { return fmt.Sprintf("invalid descriptor: %v", e.Cause) }
func (e *InvalidDescriptor) Unwrap() error  { return e.Cause }
