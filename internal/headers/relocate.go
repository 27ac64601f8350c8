package headers

import (
	"fmt"
	"sort"
)

// OpKind defines the type of header mutation
type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	}
	return "unknown"
}

// Op is a single header mutation proposed to the MTA
type Op struct {
	Kind  OpKind
	Name  string
	Value string // insert only

	// At is the 1-based position the inserted header occupies
	At int

	// Ordinal addresses the n-th surviving header named Name (case-insensitive)
	Ordinal int
}

func (o Op) String() string {
	switch o.Kind {
	case OpInsert:
		return fmt.Sprintf("insert %q at %d: %q", o.Name, o.At, o.Value)
	case OpRemove:
		return fmt.Sprintf("remove %q #%d", o.Name, o.Ordinal)
	}
	return fmt.Sprintf("unknown op %d", o.Kind)
}

// Summary reports how many occurrences of a rule were relocated in one message
type Summary struct {
	Rule  string
	Count int
}

// RelocateOccurrences turns one rule's matching occurrences into insert/remove pairs.
// Occurrences at or before boundary belong to the current hop and are skipped.
func RelocateOccurrences(prefix string, boundary int, occurrences []Occurrence) []Op {
	var ops []Op
	deleted := 0

	for _, occ := range occurrences {
		if occ.Position <= boundary {
			continue
		}

		ops = append(ops,
			Op{Kind: OpInsert, Name: prefix + occ.Name, Value: occ.Value, At: occ.Position + 1},
			Op{Kind: OpRemove, Name: occ.Name, Ordinal: occ.Ordinal - deleted},
		)
		deleted++
	}

	return ops
}

// Relocate runs every tracker through RelocateOccurrences in rule name order
func Relocate(prefix string, boundary int, trackers map[string]*Tracker) ([]Op, []Summary) {
	names := make([]string, 0, len(trackers))
	for name := range trackers {
		names = append(names, name)
	}
	sort.Strings(names)

	var ops []Op
	summaries := make([]Summary, 0, len(names))

	for _, name := range names {
		ruleOps := RelocateOccurrences(prefix, boundary, trackers[name].Occurrences())
		ops = append(ops, ruleOps...)
		summaries = append(summaries, Summary{Rule: name, Count: len(ruleOps) / 2})
	}

	return ops, summaries
}
