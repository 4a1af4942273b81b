package circuit

import (
	"context"
	"sort"

	"github.com/ivmcore/ivmcore/internal/ivm/hash"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// ViewUpdate is the outbound notification a Sink produces after absorbing
// one delta (spec §6).
type ViewUpdate struct {
	ViewID     string
	AddedIDs   []value.RecordID
	RemovedIDs []value.RecordID
	CurrentIDs []value.RecordID
}

// orderedSource supplies a positional ordering a Sink should respect
// instead of falling back to record-ID-ascending (spec §4.E
// Determinism: "Result id ordering at the sink respects OrderLimit when
// present").
type orderedSource interface {
	Current() []value.RecordID
}

// Sink is the terminal operator: it owns a view's live matching id-set and
// diffs it against the last-published set on every delta (spec §4.E).
type Sink struct {
	ViewID string
	order  orderedSource // nil: sort ascending by record ID

	fields  map[value.RecordID]map[string]value.Value
	hashes  map[value.RecordID]hash.H
	lastIDs []value.RecordID
}

func NewSink(viewID string, order orderedSource) *Sink {
	return &Sink{
		ViewID: viewID,
		order:  order,
		fields: make(map[value.RecordID]map[string]value.Value),
		hashes: make(map[value.RecordID]hash.H),
	}
}

func (s *Sink) Ingest(ctx context.Context, d Delta) ([]Delta, error) {
	switch d.Op {
	case OpInsert:
		s.fields[d.RecordID] = d.Fields
		s.hashes[d.RecordID] = d.TotalHash
	case OpRemove:
		delete(s.fields, d.RecordID)
		delete(s.hashes, d.RecordID)
	}
	return nil, nil
}

// Compute recomputes the current ordered id-set and returns the update
// relative to the last call, along with the leaf (record_id, total_hash)
// pairs the Merkle Result Tree needs.
func (s *Sink) Compute() (ViewUpdate, []Leaf) {
	current := s.orderedIDs()

	oldSet := toSet(s.lastIDs)
	newSet := toSet(current)

	var added, removed []value.RecordID
	for _, id := range current {
		if !oldSet[id] {
			added = append(added, id)
		}
	}
	for _, id := range s.lastIDs {
		if !newSet[id] {
			removed = append(removed, id)
		}
	}

	s.lastIDs = current

	leaves := make([]Leaf, len(current))
	for i, id := range current {
		leaves[i] = Leaf{RecordID: id, TotalHash: s.hashes[id]}
	}

	return ViewUpdate{
		ViewID:     s.ViewID,
		AddedIDs:   added,
		RemovedIDs: removed,
		CurrentIDs: current,
	}, leaves
}

func (s *Sink) orderedIDs() []value.RecordID {
	if s.order != nil {
		return s.order.Current()
	}
	ids := make([]value.RecordID, 0, len(s.fields))
	for id := range s.fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Leaf is one (record_id, total_hash) pair the Merkle Result Tree hashes.
type Leaf struct {
	RecordID  value.RecordID
	TotalHash hash.H
}

func (s *Sink) Snapshot() (OperatorState, error) { return OperatorState{Kind: "sink"}, nil }
func (s *Sink) Restore(OperatorState) error      { return nil }
