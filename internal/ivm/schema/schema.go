// Package schema carries the table metadata the core consumes but never
// discovers itself: intrinsic fields, parent-reference fields, and
// dependency relations (spec §3, §6). The host — an external schema
// compiler — supplies this at init.
package schema

import (
	"fmt"
	"sort"

	"github.com/ivmcore/ivmcore/internal/ivm/ivmerr"
)

// Table describes one table's hashing and dependency surface.
type Table struct {
	// Name is the table this entry describes.
	Name string

	// IntrinsicFields are hashed into a record's intrinsic_hash. A field not
	// listed here never affects a record's own content hash.
	IntrinsicFields []string

	// ParentRefs are field names whose value is a Record ID of an owning
	// record. Parent-ref fields are excluded from composition to avoid
	// cycles (spec §3, §9) — they participate only in the parent's
	// dependency aggregation.
	ParentRefs []string

	// Dependencies names the tables whose records may reference this table
	// as a parent, i.e. the inverse of ParentRefs ("comments are
	// dependencies of their thread").
	Dependencies []string
}

// Metadata is the full schema, keyed by table name.
type Metadata struct {
	tables map[string]Table
}

// New builds Metadata from a set of table descriptions and validates the
// acyclicity invariant from spec §3: "the directed graph formed by
// parent/dependency edges is acyclic after the @parent exclusion."
func New(tables []Table) (Metadata, error) {
	m := Metadata{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		if t.Name == "" {
			return Metadata{}, &ivmerr.Error{Kind: ivmerr.KindSchemaError, Message: "table with empty name"}
		}
		if _, dup := m.tables[t.Name]; dup {
			return Metadata{}, &ivmerr.Error{Kind: ivmerr.KindSchemaError, Message: fmt.Sprintf("duplicate table %q", t.Name)}
		}
		m.tables[t.Name] = t
	}
	if err := m.checkAcyclic(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Table looks up a table's metadata. ok is false for an unknown table.
func (m Metadata) Table(name string) (Table, bool) {
	t, ok := m.tables[name]
	return t, ok
}

// TableNames returns every table name, sorted, for deterministic iteration.
func (m Metadata) TableNames() []string {
	names := make([]string, 0, len(m.tables))
	for n := range m.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// checkAcyclic walks the dependency graph (table -> its Dependencies) and
// reports a SchemaError if it finds a cycle. This mirrors the depth-guard
// discipline the Hash Service uses at runtime (spec §4.C), but runs once at
// init over table-level edges rather than per-mutation over record edges.
func (m Metadata) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(m.tables))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return &ivmerr.Error{
				Kind:    ivmerr.KindSchemaError,
				Message: fmt.Sprintf("cyclic dependency graph at %q: %v", name, append(path, name)),
			}
		}
		color[name] = gray
		t, ok := m.tables[name]
		if ok {
			for _, dep := range t.Dependencies {
				if err := visit(dep, append(path, name)); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, name := range m.TableNames() {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}
