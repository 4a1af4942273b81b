// Package hashsvc implements the Hash Service (spec §4.C): it maintains,
// for every live record, an intrinsic hash, a composition hash folding its
// dependents' total hashes, and the total hash derived from both — with
// deterministic cascade so a leaf change bubbles up to every ancestor.
package hashsvc

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ivmcore/ivmcore/internal/ivm/graph"
	"github.com/ivmcore/ivmcore/internal/ivm/hash"
	"github.com/ivmcore/ivmcore/internal/ivm/ivmerr"
	"github.com/ivmcore/ivmcore/internal/ivm/schema"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// maxCascadeDepth bounds cascade recursion. A cycle should be impossible
// after schema's @parent-exclusion acyclicity check (spec §3), so hitting
// this is treated as CycleDetected rather than a silent truncation.
const maxCascadeDepth = 64

// RecordHash is one record's hash triple (spec §3).
type RecordHash struct {
	IntrinsicHash hash.H
	Composition   map[string]hash.H // per dependency-table XOR fold
	XORAll        hash.H            // the synthetic "_xor" entry
	TotalHash     hash.H
	IsDirty       bool
	PendingDelete bool
}

// Service is the Hash Service. One Service instance belongs to one Session
// (spec §5: "Record Graph and Hash Service state are mutated only by the
// session-owning task").
type Service struct {
	schema schema.Metadata
	graph  *graph.Graph
	hashes map[value.RecordID]RecordHash
	log    *slog.Logger
	tracer trace.Tracer

	// lastTouched holds every record_id whose RecordHash the most recent
	// OnCreate/OnUpdate/OnDelete call staged, primary record plus every
	// ancestor the cascade propagated into. The Session layer reads this
	// right after each call to know which tables need a circuit delta.
	lastTouched []value.RecordID
}

// New constructs a Service bound to the given schema and record graph.
func New(meta schema.Metadata, g *graph.Graph, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		schema: meta,
		graph:  g,
		hashes: make(map[value.RecordID]RecordHash),
		log:    log,
		tracer: otel.Tracer("ivmcore/hashsvc"),
	}
}

// Get returns the current RecordHash for id, if known.
func (s *Service) Get(id value.RecordID) (RecordHash, bool) {
	rh, ok := s.hashes[id]
	return rh, ok
}

// Seed installs a previously persisted RecordHash directly, bypassing
// cascade computation entirely. Session.Restore uses this to rehydrate
// whatever a prior process already derived and durably wrote; it is never
// called mid-cascade.
func (s *Service) Seed(id value.RecordID, rh RecordHash) {
	s.hashes[id] = rh
}

// LastTouched returns every record_id the most recent OnCreate/OnUpdate/
// OnDelete call wrote a RecordHash for, sorted by record ID. The Session layer
// uses this to build the circuit delta set for one mutation without
// re-deriving the cascade's reach itself.
func (s *Service) LastTouched() []value.RecordID {
	return s.lastTouched
}

// cascade stages writes for one mutation and is only merged into s.hashes
// once the whole cascade succeeds — spec §4.C: "all writes are buffered
// until cascade completes."
type cascade struct {
	overlay map[value.RecordID]RecordHash
}

func newCascade() *cascade {
	return &cascade{overlay: make(map[value.RecordID]RecordHash)}
}

func (s *Service) lookup(c *cascade, id value.RecordID) (RecordHash, bool) {
	if rh, ok := c.overlay[id]; ok {
		return rh, true
	}
	rh, ok := s.hashes[id]
	return rh, ok
}

func (s *Service) stage(c *cascade, id value.RecordID, rh RecordHash) {
	c.overlay[id] = rh
}

func (s *Service) commit(c *cascade) {
	touched := make([]value.RecordID, 0, len(c.overlay))
	for id, rh := range c.overlay {
		s.hashes[id] = rh
		touched = append(touched, id)
	}
	s.lastTouched = sortedRecordIDs(touched)
}

// OnCreate computes a new record's intrinsic/composition/total hash and
// propagates its total into every parent's composition (spec §4.C).
func (s *Service) OnCreate(ctx context.Context, rec *graph.Record) (RecordHash, error) {
	ctx, span := s.tracer.Start(ctx, "hashsvc.cascade", trace.WithAttributes(
		attribute.String("record_id", string(rec.ID)),
		attribute.String("table", rec.Table),
		attribute.String("op", "create"),
	))
	defer span.End()

	c := newCascade()
	fields, _ := rec.Value.AsMap()

	intrinsic, err := s.intrinsicHash(rec.Table, fields)
	if err != nil {
		return RecordHash{}, err
	}

	composition := s.zeroComposition(rec.Table)
	total := s.computeTotal(intrinsic, composition)

	rh := RecordHash{IntrinsicHash: intrinsic, Composition: composition, XORAll: xorAll(composition), TotalHash: total}
	s.stage(c, rec.ID, rh)

	for _, parentID := range sortedRecordIDs(rec.ParentRefs) {
		if err := s.propagate(ctx, c, parentID, rec.Table, total, 0); err != nil {
			return RecordHash{}, err
		}
	}

	s.commit(c)
	s.log.DebugContext(ctx, "hashsvc: created", "record_id", rec.ID, "total_hash", total.String())
	return rh, nil
}

// OnUpdate recomputes a record's intrinsic hash and propagates any delta —
// either a reparent (remove from old parent, add to new) or an in-place
// composition diff (spec §4.C).
func (s *Service) OnUpdate(ctx context.Context, prior, updated *graph.Record) (RecordHash, error) {
	ctx, span := s.tracer.Start(ctx, "hashsvc.cascade", trace.WithAttributes(
		attribute.String("record_id", string(updated.ID)),
		attribute.String("table", updated.Table),
		attribute.String("op", "update"),
	))
	defer span.End()

	c := newCascade()
	priorRH, ok := s.lookup(c, prior.ID)
	if !ok {
		return RecordHash{}, ivmerr.New(ivmerr.KindMissingPrior, "no known prior hash for %s", prior.ID)
	}

	fields, _ := updated.Value.AsMap()
	intrinsic, err := s.intrinsicHash(updated.Table, fields)
	if err != nil {
		return RecordHash{}, err
	}

	newRH := RecordHash{
		IntrinsicHash: intrinsic,
		Composition:   priorRH.Composition,
		XORAll:        priorRH.XORAll,
	}
	newRH.TotalHash = s.computeTotal(intrinsic, newRH.Composition)
	s.stage(c, updated.ID, newRH)

	if !sameParents(prior.ParentRefs, updated.ParentRefs) {
		for _, oldParent := range sortedRecordIDs(prior.ParentRefs) {
			if err := s.propagate(ctx, c, oldParent, prior.Table, priorRH.TotalHash, 0); err != nil {
				return RecordHash{}, err
			}
		}
		for _, newParent := range sortedRecordIDs(updated.ParentRefs) {
			if err := s.propagate(ctx, c, newParent, updated.Table, newRH.TotalHash, 0); err != nil {
				return RecordHash{}, err
			}
		}
	} else if newRH.TotalHash != priorRH.TotalHash {
		diff := hash.XOR(priorRH.TotalHash, newRH.TotalHash)
		for _, parentID := range sortedRecordIDs(updated.ParentRefs) {
			if err := s.propagate(ctx, c, parentID, updated.Table, diff, 0); err != nil {
				return RecordHash{}, err
			}
		}
	}

	s.commit(c)
	return newRH, nil
}

// OnDelete removes a record's total hash from every parent's composition
// and marks it pending_delete; the RecordHash itself is retained until an
// external syncer removes it (spec §3 Lifecycle).
func (s *Service) OnDelete(ctx context.Context, rec *graph.Record) error {
	ctx, span := s.tracer.Start(ctx, "hashsvc.cascade", trace.WithAttributes(
		attribute.String("record_id", string(rec.ID)),
		attribute.String("table", rec.Table),
		attribute.String("op", "delete"),
	))
	defer span.End()

	c := newCascade()
	priorRH, ok := s.lookup(c, rec.ID)
	if !ok {
		return ivmerr.New(ivmerr.KindMissingPrior, "no known prior hash for %s", rec.ID)
	}

	for _, parentID := range sortedRecordIDs(rec.ParentRefs) {
		if err := s.propagate(ctx, c, parentID, rec.Table, priorRH.TotalHash, 0); err != nil {
			return err
		}
	}

	priorRH.PendingDelete = true
	s.stage(c, rec.ID, priorRH)
	s.commit(c)
	return nil
}

// propagate applies diff to parentID's composition entry for depTable,
// recomputes that parent's total, and — only if the total actually
// changed — recurses to the parent's own parents with a replace-delta.
// Because XOR(current, diff) is self-inverse, "+child_total" and
// "-child_total" are the identical operation (spec §4.C): propagate never
// needs to know whether it's an addition or removal, only the delta.
func (s *Service) propagate(ctx context.Context, c *cascade, parentID value.RecordID, depTable string, diff hash.H, depth int) error {
	if depth >= maxCascadeDepth {
		return ivmerr.New(ivmerr.KindCycleDetected, "cascade depth exceeded %d propagating into %s", maxCascadeDepth, parentID)
	}

	parentRH, ok := s.lookup(c, parentID)
	if !ok {
		return ivmerr.New(ivmerr.KindMissingPrior, "cascade reached parent %s with no known hash", parentID)
	}

	newComposition := cloneComposition(parentRH.Composition)
	newComposition[depTable] = hash.XOR(newComposition[depTable], diff)
	newXORAll := xorAll(newComposition)
	newTotal := s.computeTotal(parentRH.IntrinsicHash, newComposition)

	oldTotal := parentRH.TotalHash
	parentRH.Composition = newComposition
	parentRH.XORAll = newXORAll
	parentRH.TotalHash = newTotal
	s.stage(c, parentID, parentRH)

	if newTotal == oldTotal {
		return nil
	}

	parentRec, ok := s.graph.GetIncludingDeleted(parentID)
	if !ok {
		// No further ancestors known; nothing left to cascade into.
		return nil
	}
	diffUp := hash.XOR(oldTotal, newTotal)
	for _, grandparentID := range sortedRecordIDs(parentRec.ParentRefs) {
		if err := s.propagate(ctx, c, grandparentID, parentRec.Table, diffUp, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) intrinsicHash(table string, fields map[string]value.Value) (hash.H, error) {
	tmeta, _ := s.schema.Table(table)
	entries := make([]hash.KeyedEntry, 0, len(tmeta.IntrinsicFields))
	for _, fieldName := range tmeta.IntrinsicFields {
		fv, ok := fields[fieldName]
		if !ok {
			continue
		}
		h, err := fv.Hash()
		if err != nil {
			return hash.H{}, err
		}
		entries = append(entries, hash.KeyedEntry{Key: fieldName, ValueHash: h})
	}
	return hash.SortedMap(entries), nil
}

// zeroComposition initializes {dep_table: H0 for each schema-declared dep
// table} per spec §4.C's on_create rule.
func (s *Service) zeroComposition(table string) map[string]hash.H {
	deps := s.graph.DependencyTables(table)
	comp := make(map[string]hash.H, len(deps))
	for _, d := range deps {
		comp[d] = hash.H0
	}
	return comp
}

func (s *Service) computeTotal(intrinsic hash.H, composition map[string]hash.H) hash.H {
	digest := compositionDigest(composition)
	return hash.Hash(append(append([]byte(nil), intrinsic.Bytes()...), digest.Bytes()...))
}

// compositionDigest hashes the composition map as its sorted (dep_table,
// hash) entries plus the synthetic "_xor" entry (spec §3).
func compositionDigest(composition map[string]hash.H) hash.H {
	entries := make([]hash.KeyedEntry, 0, len(composition)+1)
	for table, h := range composition {
		entries = append(entries, hash.KeyedEntry{Key: table, ValueHash: h})
	}
	entries = append(entries, hash.KeyedEntry{Key: "_xor", ValueHash: xorAll(composition)})
	return hash.SortedMap(entries)
}

func xorAll(composition map[string]hash.H) hash.H {
	keys := make([]string, 0, len(composition))
	for k := range composition {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := hash.H0
	for _, k := range keys {
		out = hash.XOR(out, composition[k])
	}
	return out
}

func cloneComposition(in map[string]hash.H) map[string]hash.H {
	out := make(map[string]hash.H, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedRecordIDs(ids []value.RecordID) []value.RecordID {
	out := append([]value.RecordID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sameParents(a, b []value.RecordID) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := sortedRecordIDs(a), sortedRecordIDs(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
