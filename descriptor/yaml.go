package descriptor

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlTable mirrors Table for serialization. Action, OnExit and StayHandler
// are function values and cannot round-trip through YAML; a table loaded
// this way has no entry/exit/stay behavior wired. The caller attaches
// handlers afterward by mutating the exported fields directly —
// table.States[name].OnEntry, .OnExit, and, for a Stay transition,
// table.States[name].Transitions[event].Handler — before running the
// table against a Machine Instance.
type yamlTable struct {
	Initial string                  `yaml:"initial"`
	States  map[string]*yamlState   `yaml:"states"`
}

type yamlState struct {
	On      map[string]yamlTransition `yaml:"on,omitempty"`
	Timeout *yamlTimeout              `yaml:"timeout,omitempty"`
	Final   bool                      `yaml:"final,omitempty"`
	Offline bool                      `yaml:"offline,omitempty"`
}

type yamlTransition struct {
	Target string `yaml:"target,omitempty"`
	Stay   bool   `yaml:"stay,omitempty"`
}

type yamlTimeout struct {
	DurationNanos int64  `yaml:"durationNanos"`
	Target        string `yaml:"target"`
}

// LoadYAML parses a descriptor table from YAML: plain structs with yaml
// struct tags, round-tripped via gopkg.in/yaml.v3. Because YAML cannot
// carry Go function values, Stay transitions decode with a nil Handler
// and OnEntry/OnExit decode unset. Build already ran by the time LoadYAML
// returns, so the caller wires handlers in afterward by mutating the
// returned table's exported fields directly, e.g.
// table.States["CONNECTED"].OnEntry = someAction and
// table.States["CONNECTED"].Transitions["hangup"] = StayWith(someHandler).
func LoadYAML(data []byte) (*Table, error) {
	var doc yamlTable
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("descriptor: parse yaml: %w", err)
	}

	b := NewMachine("").Initial(doc.Initial)
	for name, ys := range doc.States {
		scope := b.State(name)
		if ys.Final {
			scope.Final()
		}
		if ys.Offline {
			scope.Offline()
		}
		if ys.Timeout != nil {
			scope.Timeout(ys.Timeout.DurationNanos, ys.Timeout.Target)
		}
		for event, yt := range ys.On {
			if yt.Stay {
				scope.On(event).Stay(nil)
			} else {
				scope.On(event).GoTo(yt.Target)
			}
		}
	}
	return b.Build()
}

// DumpYAML serializes table back to the LoadYAML shape. Handlers are not
// round-tripped (see LoadYAML).
func DumpYAML(table *Table) ([]byte, error) {
	doc := yamlTable{Initial: table.Initial, States: make(map[string]*yamlState, len(table.States))}
	for name, s := range table.States {
		ys := &yamlState{Final: s.Final, Offline: s.Offline, On: make(map[string]yamlTransition, len(s.Transitions))}
		if s.Timeout != nil {
			ys.Timeout = &yamlTimeout{DurationNanos: s.Timeout.Duration, Target: s.Timeout.Target}
		}
		for event, tr := range s.Transitions {
			if tr.Kind == Stay {
				ys.On[event] = yamlTransition{Stay: true}
			} else {
				ys.On[event] = yamlTransition{Target: tr.Target}
			}
		}
		doc.States[name] = ys
	}
	return yaml.Marshal(doc)
}
