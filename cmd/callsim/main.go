// Command callsim drives a handful of call-flow scenarios against a
// real Registry, wiring every external collaborator (descriptor
// builder, event registry, a chosen persistence adapter, the listener
// bus) the way an operator embedding the library would: a small,
// logging-heavy entrypoint over the library core.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/comalice/fsmgrid/descriptor"
	"github.com/comalice/fsmgrid/eventreg"
	"github.com/comalice/fsmgrid/listener"
	"github.com/comalice/fsmgrid/machine"
	"github.com/comalice/fsmgrid/persistence"
	"github.com/comalice/fsmgrid/persistence/jsonstore"
	"github.com/comalice/fsmgrid/persistence/memstore"
	"github.com/comalice/fsmgrid/registry"
)

// Event types for the simulated call flow. Domain event payload types
// are explicitly out of scope for the core; these exist only so
// callsim has something concrete to send.
type IncomingCall struct{ From string }
type Answer struct{}
type Hangup struct{}
type Ping struct{}

func buildCallTable() (*descriptor.Table, error) {
	connected := 0
	b := descriptor.NewMachine("call").Initial("IDLE")
	b.State("IDLE").On("IncomingCall").GoTo("RINGING")
	b.State("RINGING").
		Timeout(int64(30*time.Second), "HUNGUP").
		On("Answer").GoTo("CONNECTED").
		On("Hangup").GoTo("HUNGUP")
	b.State("CONNECTED").
		OnEntry(func(m any) { connected++ }).
		On("Ping").Stay(func(m any, e any) {}).
		On("Hangup").GoTo("HUNGUP")
	b.State("HUNGUP").Final()
	return b.Build()
}

type consoleListener struct {
	log zerolog.Logger
}

func (c consoleListener) OnRegistryCreate(id string) {
	c.log.Info().Str("machineId", id).Msg("created")
}
func (c consoleListener) OnRegistryRehydrate(id string) {
	c.log.Info().Str("machineId", id).Msg("rehydrated")
}
func (c consoleListener) OnRegistryRemove(id string) {
	c.log.Info().Str("machineId", id).Msg("removed")
}
func (c consoleListener) OnStateMachineEvent(id, oldState, newState string, persistent *machine.PersistentContext, volatile any) {
	c.log.Info().Str("machineId", id).Str("from", oldState).Str("to", newState).Msg("transition")
}

func openStore(kind, dir string) (persistence.Provider, error) {
	switch kind {
	case "memory":
		return memstore.New(), nil
	case "json":
		return jsonstore.New(dir)
	default:
		return nil, fmt.Errorf("unknown -store kind %q", kind)
	}
}

func main() {
	storeKind := flag.String("store", "memory", "persistence adapter: memory or json")
	storeDir := flag.String("store-dir", "./callsim-data", "directory for the json store")
	dumpDOT := flag.Bool("dump-dot", false, "print the call descriptor table as Graphviz DOT and exit")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	table, err := buildCallTable()
	if err != nil {
		log.Fatal().Err(err).Msg("build descriptor table")
	}

	if *dumpDOT {
		fmt.Println(descriptor.ExportDOT(table, "IDLE"))
		return
	}

	store, err := openStore(*storeKind, *storeDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open persistence store")
	}

	eventreg.Default.Register(IncomingCall{}, "IncomingCall")
	eventreg.Default.Register(Answer{}, "Answer")
	eventreg.Default.Register(Hangup{}, "Hangup")
	eventreg.Default.Register(Ping{}, "Ping")

	reg := registry.New(store, registry.WithLogger(log))
	reg.AddListener(consoleListener{log: log})

	runScenarios(reg, table, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown did not complete cleanly")
	}
}

func runScenarios(reg *registry.Registry, table *descriptor.Table, log zerolog.Logger) {
	log.Info().Msg("scenario: simple call flow")
	reg.Register("call-1", table, nil)
	reg.SendEvent("call-1", IncomingCall{From: "+15550100"})
	reg.SendEvent("call-1", Answer{})
	reg.SendEvent("call-1", Hangup{})

	log.Info().Msg("scenario: stay handler")
	reg.Register("call-2", table, nil)
	reg.SendEvent("call-2", IncomingCall{From: "+15550101"})
	reg.SendEvent("call-2", Answer{})
	reg.SendEvent("call-2", Ping{})
	reg.SendEvent("call-2", Ping{})
	reg.SendEvent("call-2", Hangup{})

	log.Info().Msg("scenario: ignored event")
	reg.Register("call-3", table, nil)
	reg.SendEvent("call-3", Answer{}) // no transition for Answer while IDLE; ignored
	reg.SendEvent("call-3", IncomingCall{From: "+15550102"})
	reg.SendEvent("call-3", Hangup{})

	time.Sleep(100 * time.Millisecond) // let async dispatch settle before shutdown
}
