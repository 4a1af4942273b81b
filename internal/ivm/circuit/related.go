package circuit

import (
	"context"
	"sort"

	"github.com/ivmcore/ivmcore/internal/ivm/hash"
	"github.com/ivmcore/ivmcore/internal/ivm/queryplan"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// RelatedAggregator implements the single related-subselect feature (spec
// §4.E, §8 scenario 5): it watches both the parent table and the child
// table, keeps the top-N children of each parent ordered by child record
// ID ascending, and re-emits an enriched parent delta carrying the
// children under Alias whenever either side changes. The enriched delta
// is what flows on into Filter/Project/OrderLimit/Sink, so WHERE clauses
// and ORDER BY never see the raw child rows directly.
type RelatedAggregator struct {
	ParentTable string
	ChildTable  string
	ParentField string // child field holding the parent's record ID
	Alias       string
	Limit       int            // 0 means unbounded
	Where       queryplan.Expr // extra conjunct beyond the parent-ref match, nil if none

	parentFields map[value.RecordID]map[string]value.Value
	parentHash   map[value.RecordID]hash.H
	children     map[value.RecordID]map[value.RecordID]Delta
}

func NewRelatedAggregator(parentTable, childTable, parentField, alias string, limit int, where queryplan.Expr) *RelatedAggregator {
	return &RelatedAggregator{
		ParentTable:  parentTable,
		ChildTable:   childTable,
		ParentField:  parentField,
		Alias:        alias,
		Limit:        limit,
		Where:        where,
		parentFields: make(map[value.RecordID]map[string]value.Value),
		parentHash:   make(map[value.RecordID]hash.H),
		children:     make(map[value.RecordID]map[value.RecordID]Delta),
	}
}

func (a *RelatedAggregator) Ingest(ctx context.Context, d Delta) ([]Delta, error) {
	switch d.Table {
	case a.ParentTable:
		return a.ingestParent(d)
	case a.ChildTable:
		return a.ingestChild(d)
	default:
		return nil, nil
	}
}

func (a *RelatedAggregator) ingestParent(d Delta) ([]Delta, error) {
	switch d.Op {
	case OpRemove:
		delete(a.parentFields, d.RecordID)
		delete(a.parentHash, d.RecordID)
		return []Delta{d}, nil
	default:
		a.parentFields[d.RecordID] = d.Fields
		a.parentHash[d.RecordID] = d.TotalHash
		return a.emit(d.RecordID)
	}
}

func (a *RelatedAggregator) ingestChild(d Delta) ([]Delta, error) {
	fv, ok := d.Fields[a.ParentField]
	if !ok {
		return nil, nil
	}
	parentID, ok := fv.AsRecordID()
	if !ok {
		return nil, nil
	}

	bucket, ok := a.children[parentID]
	if !ok {
		bucket = make(map[value.RecordID]Delta)
		a.children[parentID] = bucket
	}
	switch d.Op {
	case OpInsert:
		matched := true
		if a.Where != nil {
			var err error
			matched, err = evaluate(a.Where, d.Fields)
			if err != nil {
				matched = false
			}
		}
		if matched {
			bucket[d.RecordID] = d
		} else {
			delete(bucket, d.RecordID)
		}
	case OpRemove:
		delete(bucket, d.RecordID)
	}
	return a.emit(parentID)
}

// emit rebuilds the enriched parent delta from the current parent fields
// and the current top-N children. It returns nothing if the parent has
// not (yet) been observed, e.g. a child arriving before its parent.
func (a *RelatedAggregator) emit(parentID value.RecordID) ([]Delta, error) {
	pf, ok := a.parentFields[parentID]
	if !ok {
		return nil, nil
	}

	ids := make([]value.RecordID, 0, len(a.children[parentID]))
	for id := range a.children[parentID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if a.Limit > 0 && len(ids) > a.Limit {
		ids = ids[:a.Limit]
	}

	items := make([]value.Value, len(ids))
	for i, id := range ids {
		items[i] = value.Map(a.children[parentID][id].Fields)
	}

	enriched := make(map[string]value.Value, len(pf)+1)
	for k, v := range pf {
		enriched[k] = v
	}
	enriched[a.Alias] = value.List(items)

	return []Delta{{
		Table:     a.ParentTable,
		RecordID:  parentID,
		Op:        OpInsert,
		Fields:    enriched,
		TotalHash: a.parentHash[parentID],
	}}, nil
}

func (a *RelatedAggregator) Snapshot() (OperatorState, error) { return OperatorState{Kind: "related"}, nil }
func (a *RelatedAggregator) Restore(OperatorState) error      { return nil }
