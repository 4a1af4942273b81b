// Package session implements the Session / Live Router (spec §4.H): the
// single entry point mutations and view subscriptions pass through. One
// Session owns one Record Graph, one Hash Service, and one View Registry;
// it totally orders mutations, fans each into the Hash Service cascade and
// every watching circuit, persists the result, and only then delivers
// ViewUpdates to subscribers — grounded on the teacher's
// cmd/bd/daemon_event_loop.go event-driven dispatch and
// internal/rpc/server_events.go's buffered-channel watcher fan-out.
package session

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ivmcore/ivmcore/internal/ivm/circuit"
	"github.com/ivmcore/ivmcore/internal/ivm/graph"
	"github.com/ivmcore/ivmcore/internal/ivm/hash"
	"github.com/ivmcore/ivmcore/internal/ivm/hashsvc"
	"github.com/ivmcore/ivmcore/internal/ivm/ivmerr"
	"github.com/ivmcore/ivmcore/internal/ivm/merkle"
	"github.com/ivmcore/ivmcore/internal/ivm/queryplan"
	"github.com/ivmcore/ivmcore/internal/ivm/registry"
	"github.com/ivmcore/ivmcore/internal/ivm/schema"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
	"github.com/ivmcore/ivmcore/internal/storage"
)

// watcherBufferSize matches the teacher's internal/rpc/server_events.go
// subscriber channel capacity: generous enough that a normally-paced
// subscriber never drops an update, small enough that a stuck one can't
// leak memory.
const watcherBufferSize = 64

// Kind discriminates the three mutation shapes a Session accepts (spec
// §4.H).
type Kind int

const (
	Create Kind = iota
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// MutationResult is the normalized acknowledgement shape for a successful
// mutation (Open Question decision (a): success is always {record_id,
// total_hash}; failure is always the *ivmerr.Error returned alongside it).
type MutationResult struct {
	RecordID  value.RecordID
	TotalHash hash.H
}

// ViewUpdate is what a Session publishes to a view's subscribers: the
// view's full current result set, its merkle root, and the delta that
// produced this update (spec §4.H: "publishes {view_id, result_ids,
// merkle_root, delta} to subscribers").
type ViewUpdate struct {
	ViewID     string
	ResultIDs  []value.RecordID
	MerkleRoot hash.H
	Incoherent bool
	AddedIDs   []value.RecordID
	RemovedIDs []value.RecordID
}

// Session is the Live Router. All exported methods are safe for
// concurrent use.
type Session struct {
	log      *slog.Logger
	tracer   trace.Tracer
	mutCount metric.Int64Counter

	schema   schema.Metadata
	graph    *graph.Graph
	hashes   *hashsvc.Service
	registry *registry.Registry
	store    storage.Store

	ttl            time.Duration
	persistTimeout time.Duration

	// mu is the session-wide exclusive lock (spec §5: "Record Graph and
	// Hash Service state are mutated only by the session-owning task").
	// It is held across steps 1-4 of Mutate and released before step 5
	// (subscriber delivery), so a slow or canceled subscriber can never
	// stall the next mutation.
	mu sync.Mutex

	subsMu    sync.Mutex
	subs      map[string]map[uint64]chan ViewUpdate
	subCount  map[string]int
	idleSince map[string]time.Time
	nextSubID uint64
}

// New constructs a Session. store may be nil to run without persistence
// (e.g. in tests exercising only in-memory semantics).
func New(meta schema.Metadata, store storage.Store, ttl, persistTimeout time.Duration, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	meter := otel.Meter("ivmcore/session")
	mutCount, _ := meter.Int64Counter("ivm_mutations_total",
		metric.WithDescription("mutations accepted by the session layer, by kind"))

	g := graph.New(meta)
	return &Session{
		log:            log,
		tracer:         otel.Tracer("ivmcore/session"),
		mutCount:       mutCount,
		schema:         meta,
		graph:          g,
		hashes:         hashsvc.New(meta, g, log),
		registry:       registry.New(log),
		store:          store,
		ttl:            ttl,
		persistTimeout: persistTimeout,
		subs:           make(map[string]map[uint64]chan ViewUpdate),
		subCount:       make(map[string]int),
		idleSince:      make(map[string]time.Time),
	}
}

// Restore reloads every piece of state the store persisted: the Hash
// Service's per-record RecordHash table (spec §3) and the view registry's
// bookkeeping (spec §4.G persistence contract). restored is false when
// nothing has ever been persisted. Each restored circuit is freshly
// recompiled from its saved plan text with empty operator state — see
// DESIGN.md's Open Question decision on persistence fidelity — so a view
// only reflects new mutations from this point forward. Record hashes,
// by contrast, rehydrate exactly as the cascade last left them: a record
// that isn't re-created or re-updated after restart keeps serving its
// last-persisted RecordHash.
func (s *Session) Restore(ctx context.Context) (restored bool, err error) {
	if s.store == nil {
		return false, nil
	}

	blobs, err := s.store.AllRecordHashes(ctx)
	if err != nil {
		return false, fmt.Errorf("session: loading record hashes: %w", err)
	}
	for idStr, blob := range blobs {
		rh, err := decodeRecordHash(blob)
		if err != nil {
			return false, fmt.Errorf("session: decoding record hash for %s: %w", idStr, err)
		}
		s.hashes.Seed(value.RecordID(idStr), rh)
	}

	return s.registry.Restore(ctx, s.store)
}

// SnapshotRegistry persists the registry's current bookkeeping
// immediately, for callers (e.g. the demo CLI's one-shot register/
// unregister subcommands) that need it durable without waiting for the
// next Mutate's step-4 persist to carry it along.
func (s *Session) SnapshotRegistry(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.registry.Snapshot(ctx, s.store)
}

// RegisterView parses planText and registers viewID against it, attaching
// to an existing shared circuit when one already matches (spec §4.G).
func (s *Session) RegisterView(ctx context.Context, viewID, planText string) (registry.ViewRegistered, error) {
	plan, err := queryplan.Parse(planText)
	if err != nil {
		return registry.ViewRegistered{}, ivmerr.Wrap(ivmerr.KindParseError, err, "registering view %s", viewID)
	}

	s.mu.Lock()
	ev, _, err := s.registry.Register(viewID, plan)
	s.mu.Unlock()
	if err != nil {
		return registry.ViewRegistered{}, ivmerr.Wrap(ivmerr.KindNotFound, err, "registering view %s", viewID)
	}

	s.subsMu.Lock()
	s.idleSince[viewID] = time.Now()
	s.subCount[viewID] = 0
	s.subsMu.Unlock()

	return ev, nil
}

// UnregisterView detaches viewID, tearing down its circuit only if it was
// the last reference (spec §4.G), and closes any subscriber channel still
// attached to it.
func (s *Session) UnregisterView(viewID string) error {
	s.mu.Lock()
	_, err := s.registry.Unregister(viewID)
	s.mu.Unlock()
	if err != nil {
		return ivmerr.Wrap(ivmerr.KindNotFound, err, "unregistering view %s", viewID)
	}

	s.subsMu.Lock()
	for id, ch := range s.subs[viewID] {
		delete(s.subs[viewID], id)
		close(ch)
	}
	delete(s.subs, viewID)
	delete(s.subCount, viewID)
	delete(s.idleSince, viewID)
	s.subsMu.Unlock()

	return nil
}

// Subscribe attaches a new best-effort, at-least-once subscriber to
// viewID. The returned cancel func detaches the subscriber without
// tearing down the shared circuit (spec §4.H); it is safe to call more
// than once.
func (s *Session) Subscribe(viewID string) (<-chan ViewUpdate, func()) {
	ch := make(chan ViewUpdate, watcherBufferSize)

	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	if s.subs[viewID] == nil {
		s.subs[viewID] = make(map[uint64]chan ViewUpdate)
	}
	s.subs[viewID][id] = ch
	s.subCount[viewID]++
	s.idleSince[viewID] = time.Time{}
	s.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			if chans, ok := s.subs[viewID]; ok {
				if _, exists := chans[id]; exists {
					delete(chans, id)
					close(ch)
					s.subCount[viewID]--
					if s.subCount[viewID] <= 0 {
						s.idleSince[viewID] = time.Now()
					}
				}
			}
		})
	}
	return ch, cancel
}

// idleSinceFunc reports whether viewID currently has zero subscribers
// and, if so, since when — the shape registry.TTLSweep wants (spec §6:
// "quiescent when idle >= TTL").
func (s *Session) idleSinceFunc(viewID string) (time.Time, bool) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subCount[viewID] > 0 {
		return time.Time{}, false
	}
	since, ok := s.idleSince[viewID]
	return since, ok
}

// dispatch delivers update to every subscriber on viewID, dropping it for
// any subscriber whose buffer is full rather than blocking the mutation
// path (spec §4.H: "best-effort at-least-once... duplicate suppression is
// the subscriber's responsibility").
func (s *Session) dispatch(viewID string, update ViewUpdate) {
	s.subsMu.Lock()
	chans := make([]chan ViewUpdate, 0, len(s.subs[viewID]))
	for _, ch := range s.subs[viewID] {
		chans = append(chans, ch)
	}
	s.subsMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- update:
		default:
			s.log.Warn("session: dropped view update, subscriber buffer full", "view_id", viewID)
		}
	}
}

// Mutate applies one create/update/delete and reports the normalized
// result. Execution follows spec §4.H's five steps: (1) load prior_value,
// (2) run the Hash Service cascade, (3) ingest into every watching
// circuit, (4) persist, (5) deliver ViewUpdates — with the session lock
// held only across steps 1-4.
func (s *Session) Mutate(ctx context.Context, recordID value.RecordID, kind Kind, newValue value.Value) (MutationResult, error) {
	ctx, span := s.tracer.Start(ctx, "session.mutate", trace.WithAttributes(
		attribute.String("record_id", string(recordID)),
		attribute.String("op", kind.String()),
	))
	defer span.End()

	table := recordID.Table()

	s.mu.Lock()

	deltas, totalHash, err := s.applyGraphAndCascade(ctx, table, recordID, kind, newValue)
	if err != nil {
		s.mu.Unlock()
		return MutationResult{}, err
	}

	entries := s.entriesTouched(table, s.hashes.LastTouched())
	circuits := make([]*circuit.Circuit, len(entries))
	for i, e := range entries {
		circuits[i] = e.Circuit
	}

	updates, leaves, ingestErr := circuit.IngestAll(ctx, circuits, deltas)
	if ingestErr != nil {
		s.log.ErrorContext(ctx, "session: circuit ingest failed", "error", ingestErr)
	}

	now := time.Now()
	published := make([]ViewUpdate, 0, len(entries))
	for i, e := range entries {
		c := circuits[i]
		c.Touch(now)

		tree := s.rebuildOrUpdateTree(e, leaves[i])
		root := tree.Root()
		unchanged := root == e.LastRoot && len(updates[i].AddedIDs) == 0 && len(updates[i].RemovedIDs) == 0

		for viewID := range e.ViewIDs {
			s.registry.UpdateRoot(viewID, root, updates[i].CurrentIDs, now)
			if unchanged {
				// A no-op mutation (identical content re-applied) must not
				// produce a spurious ViewUpdate (spec §8 idempotence).
				continue
			}
			published = append(published, ViewUpdate{
				ViewID:     viewID,
				ResultIDs:  updates[i].CurrentIDs,
				MerkleRoot: root,
				Incoherent: tree.Incoherent,
				AddedIDs:   updates[i].AddedIDs,
				RemovedIDs: updates[i].RemovedIDs,
			})
		}
	}

	if perr := s.persist(ctx, s.hashes.LastTouched()); perr != nil {
		s.mu.Unlock()
		return MutationResult{}, perr
	}
	reaped := s.registry.TTLSweep(now, s.ttl, s.idleSinceFunc)

	s.mu.Unlock()

	if s.mutCount != nil {
		s.mutCount.Add(ctx, 1, metric.WithAttributes(attribute.String("op", kind.String())))
	}
	for _, viewID := range reaped {
		s.log.InfoContext(ctx, "session: reaped idle view", "view_id", viewID)
	}

	// Step 5: deliver, with the session lock already released.
	for _, u := range published {
		s.dispatch(u.ViewID, u)
	}

	return MutationResult{RecordID: recordID, TotalHash: totalHash}, nil
}

// applyGraphAndCascade runs steps 1-2: load prior_value where needed,
// apply the graph mutation, and run the matching Hash Service cascade. It
// returns the delta sequence step 3 ingests plus the mutated record's own
// new total hash.
func (s *Session) applyGraphAndCascade(ctx context.Context, table string, recordID value.RecordID, kind Kind, newValue value.Value) ([]circuit.Delta, hash.H, error) {
	switch kind {
	case Create:
		rec := s.graph.Upsert(recordID, newValue)
		rh, err := s.hashes.OnCreate(ctx, rec)
		if err != nil {
			return nil, hash.H{}, err
		}
		fields, _ := rec.Value.AsMap()
		deltas := circuit.FromMutation(table, recordID, fields, nil, rh.TotalHash, hash.H{}, true, false)
		return append(deltas, s.ancestorDeltas(recordID)...), rh.TotalHash, nil

	case Update:
		prior, ok := s.graph.Get(recordID)
		if !ok {
			return nil, hash.H{}, ivmerr.New(ivmerr.KindMissingPrior, "update %s: no loadable prior_value", recordID)
		}
		priorFields, _ := prior.Value.AsMap()
		priorRH, _ := s.hashes.Get(recordID)

		updated := s.graph.Upsert(recordID, newValue)
		rh, err := s.hashes.OnUpdate(ctx, prior, updated)
		if err != nil {
			return nil, hash.H{}, err
		}
		newFields, _ := updated.Value.AsMap()
		deltas := circuit.FromMutation(table, recordID, newFields, priorFields, rh.TotalHash, priorRH.TotalHash, false, false)
		return append(deltas, s.ancestorDeltas(recordID)...), rh.TotalHash, nil

	case Delete:
		prior, ok := s.graph.Get(recordID)
		if !ok {
			return nil, hash.H{}, ivmerr.New(ivmerr.KindMissingPrior, "delete %s: no loadable prior_value", recordID)
		}
		priorFields, _ := prior.Value.AsMap()
		priorRH, _ := s.hashes.Get(recordID)
		if err := s.hashes.OnDelete(ctx, prior); err != nil {
			return nil, hash.H{}, err
		}
		s.graph.MarkPendingDelete(recordID)
		deltas := circuit.FromMutation(table, recordID, nil, priorFields, hash.H{}, priorRH.TotalHash, false, true)
		return append(deltas, s.ancestorDeltas(recordID)...), priorRH.TotalHash, nil

	default:
		return nil, hash.H{}, ivmerr.New(ivmerr.KindUnsupported, "unknown mutation kind %d", kind)
	}
}

// ancestorDeltas builds one replacement Insert delta per ancestor the
// cascade's most recent run touched (everything LastTouched reports minus
// the mutated record itself), so every view watching an ancestor's table
// sees its updated total_hash even though none of its own fields changed.
func (s *Session) ancestorDeltas(recordID value.RecordID) []circuit.Delta {
	var out []circuit.Delta
	for _, id := range s.hashes.LastTouched() {
		if id == recordID {
			continue
		}
		rh, ok := s.hashes.Get(id)
		if !ok {
			continue
		}
		var fields map[string]value.Value
		if rec, ok := s.graph.Get(id); ok {
			fields, _ = rec.Value.AsMap()
		}
		out = append(out, circuit.Delta{
			Table:     id.Table(),
			RecordID:  id,
			Op:        circuit.OpInsert,
			Fields:    fields,
			TotalHash: rh.TotalHash,
		})
	}
	return out
}

// entriesTouched collects, deduplicated by shared circuit, every registry
// entry watching the primary table or any ancestor table the cascade
// touched.
func (s *Session) entriesTouched(primaryTable string, touched []value.RecordID) []*registry.Entry {
	tables := map[string]bool{primaryTable: true}
	for _, id := range touched {
		tables[id.Table()] = true
	}

	byCircuit := make(map[*circuit.Circuit]*registry.Entry)
	for t := range tables {
		for _, e := range s.registry.EntriesWatching(t) {
			byCircuit[e.Circuit] = e
		}
	}
	out := make([]*registry.Entry, 0, len(byCircuit))
	for _, e := range byCircuit {
		out = append(out, e)
	}
	return out
}

// persist flushes the full RecordHash of every record the cascade
// touched — not just the primarily mutated one, so an ancestor whose
// composition changed durably reflects that too — plus the registry's
// bookkeeping snapshot, within persistTimeout (spec §4.H: "Persistence
// flush has a per-operation deadline; on timeout the mutation fails").
func (s *Session) persist(ctx context.Context, touched []value.RecordID) error {
	if s.store == nil {
		return nil
	}

	pctx := ctx
	var cancel context.CancelFunc
	if s.persistTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, s.persistTimeout)
		defer cancel()
	}

	for _, id := range touched {
		rh, ok := s.hashes.Get(id)
		if !ok {
			continue
		}
		blob, err := encodeRecordHash(rh)
		if err != nil {
			return ivmerr.Wrap(ivmerr.KindPersistenceTimeout, err, "encoding record hash for %s", id)
		}
		if err := s.store.PutRecordHash(pctx, string(id), blob); err != nil {
			return ivmerr.Wrap(ivmerr.KindPersistenceTimeout, err, "persisting record hash for %s", id)
		}
	}
	if err := s.registry.Snapshot(pctx, s.store); err != nil {
		return ivmerr.Wrap(ivmerr.KindPersistenceTimeout, err, "persisting registry snapshot")
	}
	return nil
}

func toMerkleLeaves(in []circuit.Leaf) []merkle.Leaf {
	out := make([]merkle.Leaf, len(in))
	for i, l := range in {
		out[i] = merkle.Leaf{RecordID: l.RecordID, TotalHash: l.TotalHash}
	}
	return out
}

// rebuildOrUpdateTree maintains e's Merkle Result Tree incrementally (spec
// §4.F: "on insert/remove/reorder, only the affected path is rehashed").
// FastFingerprint over the new leaf id order is compared against e's last
// one: a match means membership and order are exactly what they were, so
// any leaf whose total_hash changed can go through Tree.Update (path-only
// rehash); a mismatch means the sink's id-set itself changed shape, which
// Update cannot express, so the tree is rebuilt wholesale instead.
func (s *Session) rebuildOrUpdateTree(e *registry.Entry, sinkLeaves []circuit.Leaf) *merkle.Tree {
	leaves := toMerkleLeaves(sinkLeaves)
	fp := merkle.FastFingerprint(leaves)

	if e.Tree != nil && fp == e.Fingerprint {
		prior := e.Tree.LeafHashes()
		for i, l := range leaves {
			if i >= len(prior) || prior[i] != l.TotalHash {
				e.Tree.Update(l.RecordID, l.TotalHash)
			}
		}
		return e.Tree
	}

	tree := merkle.Build(leaves)
	e.Tree = tree
	e.Fingerprint = fp
	return tree
}

// encodeRecordHash gob-encodes the full RecordHash triple — intrinsic,
// composition, XOR fold, total, and both lifecycle flags (spec §6) — so
// Restore can rehydrate a record's cascade state exactly, not just its
// total hash.
func encodeRecordHash(rh hashsvc.RecordHash) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rh); err != nil {
		return nil, fmt.Errorf("session: encode record hash: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecordHash(blob []byte) (hashsvc.RecordHash, error) {
	var rh hashsvc.RecordHash
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&rh); err != nil {
		return hashsvc.RecordHash{}, fmt.Errorf("session: decode record hash: %w", err)
	}
	return rh, nil
}
