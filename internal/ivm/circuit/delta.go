// Package circuit implements the Dataflow Circuit (IVM, spec §4.E): a plan
// compiles to a DAG of stateful operators that consume per-record deltas
// and, at the terminal Sink, expose the live matching id-set for a view.
package circuit

import (
	"github.com/ivmcore/ivmcore/internal/ivm/hash"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// Op tags whether a Delta adds or removes a record from its operator's
// z-set-like state.
type Op int

const (
	OpInsert Op = iota
	OpRemove
)

func (o Op) String() string {
	if o == OpRemove {
		return "-"
	}
	return "+"
}

// Delta is the unit of dataflow: a tagged +record/-record event (spec §3,
// glossary "Delta").
type Delta struct {
	Table     string
	RecordID  value.RecordID
	Op        Op
	Fields    map[string]value.Value
	TotalHash hash.H
}

// FromMutation expands one session-level mutation into the delta sequence
// the circuit ingests: UPDATE is "equivalent to -prior followed by +new"
// (spec §4.E step 2).
func FromMutation(table string, recordID value.RecordID, newFields, priorFields map[string]value.Value, newHash, priorHash hash.H, isCreate, isDelete bool) []Delta {
	switch {
	case isCreate:
		return []Delta{{Table: table, RecordID: recordID, Op: OpInsert, Fields: newFields, TotalHash: newHash}}
	case isDelete:
		return []Delta{{Table: table, RecordID: recordID, Op: OpRemove, Fields: priorFields, TotalHash: priorHash}}
	default:
		return []Delta{
			{Table: table, RecordID: recordID, Op: OpRemove, Fields: priorFields, TotalHash: priorHash},
			{Table: table, RecordID: recordID, Op: OpInsert, Fields: newFields, TotalHash: newHash},
		}
	}
}
