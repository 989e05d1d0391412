package descriptor

import (
	"bytes"
	"fmt"
	"sort"
)

// ExportDOT renders table as Graphviz DOT source, flattened (no clusters,
// no hierarchy) since the descriptor model has none. Adapted from the
// teacher's internal/production/visualizer.go, which rendered nested
// subgraphs for compound/parallel states; this model has only leaf
// states, so every node is a plain box and edges carry the event name.
// current, if non-empty, highlights the active state.
func ExportDOT(table *Table, current string) string {
	var buf bytes.Buffer
	buf.WriteString("digraph Descriptor {\n  rankdir=LR;\n  node [shape=box, fontsize=10, style=rounded];\n  edge [fontsize=9];\n")

	names := make([]string, 0, len(table.States))
	for name := range table.States {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := table.States[name]
		style := ""
		switch {
		case name == current:
			style = " style=filled fillcolor=lightgreen"
		case s.Final:
			style = " style=filled fillcolor=lightgrey"
		case s.Offline:
			style = " style=filled fillcolor=lightblue"
		}
		buf.WriteString(fmt.Sprintf("  %q [label=%q%s];\n", name, name, style))
	}

	for _, name := range names {
		s := table.States[name]
		events := make([]string, 0, len(s.Transitions))
		for event := range s.Transitions {
			events = append(events, event)
		}
		sort.Strings(events)
		for _, event := range events {
			tr := s.Transitions[event]
			switch tr.Kind {
			case Go:
				buf.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", name, tr.Target, event))
			case Stay:
				buf.WriteString(fmt.Sprintf("  %q -> %q [label=%q, style=dashed];\n", name, name, event))
			}
		}
		if s.Timeout != nil {
			buf.WriteString(fmt.Sprintf("  %q -> %q [label=%q, style=dotted];\n", name, s.Timeout.Target, TimeoutEventName))
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}
