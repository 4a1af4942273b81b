// Package graph maintains the in-memory index of live records and their
// parent/dependency edges, derived from schema metadata (spec §4.B). It is
// the structural backbone both the Hash Service (§4.C) and the Dataflow
// Circuit (§4.E) read from.
package graph

import (
	"sort"
	"sync"

	"github.com/ivmcore/ivmcore/internal/ivm/schema"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// Record is a live, in-memory view of a stored record: its content plus the
// edges schema metadata says it participates in.
type Record struct {
	ID    value.RecordID
	Table string
	Value value.Value // always a KindMap

	// ParentRefs are the record IDs this record is owned by (its @parent
	// field values), derived from schema.Table.ParentRefs.
	ParentRefs []value.RecordID

	// DependencyRefs is always an empty, non-nil map: Upsert does not fill
	// it. A record's direct children, grouped by dependency table, are
	// found through Graph.Children, which reads the graph's child index.
	DependencyRefs map[string][]value.RecordID

	PendingDelete bool
}

// Graph is the record index. All mutation goes through Upsert/Delete; reads
// go through Get/Children.
type Graph struct {
	mu      sync.RWMutex
	schema  schema.Metadata
	records map[value.RecordID]*Record

	// childIndex[parentID][depTable] = set of child record IDs.
	childIndex map[value.RecordID]map[string]map[value.RecordID]struct{}
}

// New creates an empty Graph bound to the given schema metadata.
func New(meta schema.Metadata) *Graph {
	return &Graph{
		schema:     meta,
		records:    make(map[value.RecordID]*Record),
		childIndex: make(map[value.RecordID]map[string]map[value.RecordID]struct{}),
	}
}

// Upsert inserts or replaces a record's content and recomputes its parent
// edges from schema metadata (the "rebuilt lazily on read... updated
// in-place on Δ" rule, spec §4.B).
func (g *Graph) Upsert(id value.RecordID, v value.Value) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	table := id.Table()
	tmeta, _ := g.schema.Table(table)

	var parents []value.RecordID
	fields, _ := v.AsMap()
	for _, refField := range tmeta.ParentRefs {
		if fv, ok := fields[refField]; ok {
			if rid, isRef := fv.AsRecordID(); isRef {
				parents = append(parents, rid)
			}
		}
	}

	prev := g.records[id]
	if prev != nil {
		g.unindexChildLocked(prev)
	}

	rec := &Record{
		ID:             id,
		Table:          table,
		Value:          v,
		ParentRefs:     parents,
		DependencyRefs: make(map[string][]value.RecordID),
	}
	g.records[id] = rec
	g.indexChildLocked(rec)
	return rec
}

// Get returns a record by ID. It never returns a pending_delete record
// (spec §4.B: "Never returns a record that is pending_delete").
func (g *Graph) Get(id value.RecordID) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[id]
	if !ok || rec.PendingDelete {
		return nil, false
	}
	return rec, true
}

// GetIncludingDeleted returns a record regardless of pending_delete state,
// for the Hash Service's cascade bookkeeping which must still see a
// just-deleted record's prior parents.
func (g *Graph) GetIncludingDeleted(id value.RecordID) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[id]
	return rec, ok
}

// MarkPendingDelete flips a record's pending_delete flag without removing
// it from the index; an external syncer is responsible for eventual
// removal (spec §3 Lifecycle).
func (g *Graph) MarkPendingDelete(id value.RecordID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[id]; ok {
		rec.PendingDelete = true
	}
}

// Children returns the live (non-pending-delete) children of parentID in
// dependency table depTable, sorted by record ID for deterministic
// iteration (matches the sink's record-ID-ascending tie-break, spec §4.E).
func (g *Graph) Children(parentID value.RecordID, depTable string) []value.RecordID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	byTable, ok := g.childIndex[parentID]
	if !ok {
		return nil
	}
	set, ok := byTable[depTable]
	if !ok {
		return nil
	}
	out := make([]value.RecordID, 0, len(set))
	for id := range set {
		if rec, ok := g.records[id]; ok && !rec.PendingDelete {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DependencyTables returns the sorted list of dependency table names
// declared for table, from schema metadata.
func (g *Graph) DependencyTables(table string) []string {
	tmeta, ok := g.schema.Table(table)
	if !ok {
		return nil
	}
	out := append([]string(nil), tmeta.Dependencies...)
	sort.Strings(out)
	return out
}

func (g *Graph) indexChildLocked(rec *Record) {
	for _, parentID := range rec.ParentRefs {
		byTable, ok := g.childIndex[parentID]
		if !ok {
			byTable = make(map[string]map[value.RecordID]struct{})
			g.childIndex[parentID] = byTable
		}
		set, ok := byTable[rec.Table]
		if !ok {
			set = make(map[value.RecordID]struct{})
			byTable[rec.Table] = set
		}
		set[rec.ID] = struct{}{}
	}
}

func (g *Graph) unindexChildLocked(rec *Record) {
	for _, parentID := range rec.ParentRefs {
		if byTable, ok := g.childIndex[parentID]; ok {
			if set, ok := byTable[rec.Table]; ok {
				delete(set, rec.ID)
			}
		}
	}
}
