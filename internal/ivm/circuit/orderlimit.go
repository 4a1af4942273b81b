package circuit

import (
	"context"
	"sort"

	"github.com/ivmcore/ivmcore/internal/ivm/queryplan"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// OrderLimit holds every record that has passed upstream and recomputes
// the top-N window under the declared order on each delta, emitting the
// window's net change as +insert/-evicted deltas (spec §4.E). Recomputing
// the whole window rather than doing a single-step evict lets a removal
// promote the next-best candidate from the pool without extra bookkeeping.
type OrderLimit struct {
	Keys  []queryplan.OrderKey
	Limit int

	held    map[value.RecordID]Delta
	lastTop []value.RecordID
}

func NewOrderLimit(keys []queryplan.OrderKey, limit int) *OrderLimit {
	return &OrderLimit{Keys: keys, Limit: limit, held: make(map[value.RecordID]Delta)}
}

func (o *OrderLimit) Ingest(ctx context.Context, d Delta) ([]Delta, error) {
	switch d.Op {
	case OpInsert:
		o.held[d.RecordID] = d
	case OpRemove:
		delete(o.held, d.RecordID)
	}

	newTop := o.sortedIDs()
	if o.Limit > 0 && len(newTop) > o.Limit {
		newTop = newTop[:o.Limit]
	}

	var out []Delta
	newSet := toSet(newTop)
	for _, id := range o.lastTop {
		if !newSet[id] {
			out = append(out, Delta{Table: d.Table, RecordID: id, Op: OpRemove})
		}
	}
	oldSet := toSet(o.lastTop)
	for _, id := range newTop {
		if !oldSet[id] {
			out = append(out, o.held[id])
		}
	}

	o.lastTop = newTop
	return out, nil
}

// Current returns the window's record IDs in order, for callers (the Sink)
// that need the positional order directly rather than diffed deltas.
func (o *OrderLimit) Current() []value.RecordID {
	out := make([]value.RecordID, len(o.lastTop))
	copy(out, o.lastTop)
	return out
}

func (o *OrderLimit) sortedIDs() []value.RecordID {
	ids := make([]value.RecordID, 0, len(o.held))
	for id := range o.held {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return lessByKeys(o.held[ids[i]].Fields, o.held[ids[j]].Fields, ids[i], ids[j], o.Keys)
	})
	return ids
}

// lessByKeys orders a < b per the declared order keys, falling back to
// record-ID ascending as the final tie-break (spec §4.E Determinism). A
// NULL field value sorts last under ASC and first under DESC.
func lessByKeys(aFields, bFields map[string]value.Value, aID, bID value.RecordID, keys []queryplan.OrderKey) bool {
	for _, k := range keys {
		av, aOK := aFields[k.Field]
		bv, bOK := bFields[k.Field]
		aNull := !aOK || av.IsNull()
		bNull := !bOK || bv.IsNull()

		if aNull && bNull {
			continue
		}
		if aNull != bNull {
			if k.Desc {
				return aNull // NULL sorts first under DESC
			}
			return bNull // NULL sorts last under ASC
		}

		cmp, err := value.Compare(av, bv)
		if err != nil || cmp == 0 {
			continue
		}
		if k.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return aID < bID
}

func toSet(ids []value.RecordID) map[value.RecordID]bool {
	out := make(map[value.RecordID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func (o *OrderLimit) Snapshot() (OperatorState, error) { return OperatorState{Kind: "orderlimit"}, nil }
func (o *OrderLimit) Restore(OperatorState) error       { return nil }
