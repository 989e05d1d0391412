// Package natslistener publishes transition events to a NATS subject,
// giving the Listener Bus a best-effort fan-out sink external systems
// can subscribe to: publish errors are dropped and nothing is retried,
// so delivery is at most once. It only ships the well-known
// {id, oldState, newState} triple, never caller-specific event
// payloads.
package natslistener

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/comalice/fsmgrid/machine"
)

// Listener publishes onStateMachineEvent notifications to a subject
// prefix, as "<prefix>.<machineId>". Lifecycle events (create/rehydrate/
// remove) publish to "<prefix>.lifecycle".
type Listener struct {
	nc     *nats.Conn
	prefix string
}

// New wraps an already-connected *nats.Conn. Connection lifecycle is the
// caller's responsibility.
func New(nc *nats.Conn, subjectPrefix string) *Listener {
	return &Listener{nc: nc, prefix: subjectPrefix}
}

type transitionPayload struct {
	MachineID string `json:"machineId"`
	OldState  string `json:"oldState"`
	NewState  string `json:"newState"`
}

type lifecyclePayload struct {
	MachineID string `json:"machineId"`
	Kind      string `json:"kind"`
}

func (l *Listener) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	// Best-effort: publish errors are not actionable from inside a
	// listener callback and must never abort the transition they
	// report on.
	_ = l.nc.Publish(subject, data)
}

func (l *Listener) OnRegistryCreate(id string) {
	l.publish(fmt.Sprintf("%s.lifecycle", l.prefix), lifecyclePayload{MachineID: id, Kind: "create"})
}

func (l *Listener) OnRegistryRehydrate(id string) {
	l.publish(fmt.Sprintf("%s.lifecycle", l.prefix), lifecyclePayload{MachineID: id, Kind: "rehydrate"})
}

func (l *Listener) OnRegistryRemove(id string) {
	l.publish(fmt.Sprintf("%s.lifecycle", l.prefix), lifecyclePayload{MachineID: id, Kind: "remove"})
}

func (l *Listener) OnStateMachineEvent(id, oldState, newState string, persistent *machine.PersistentContext, volatile any) {
	l.publish(fmt.Sprintf("%s.%s", l.prefix, id), transitionPayload{MachineID: id, OldState: oldState, NewState: newState})
}
