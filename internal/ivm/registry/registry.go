// Package registry implements the View Registry (spec §4.G): it
// deduplicates views by the cache key of their canonical plan text (views
// take no bound parameters), reference-counts shared
// circuits, and persists every view's bookkeeping as a single opaque
// blob. The dedup mechanics are grounded on the teacher's
// internal/rpc/query_dedup.go in-flight coalescing idiom, reworked from
// "coalesce concurrent identical reads" into "share one circuit across
// identical subscriptions".
package registry

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ivmcore/ivmcore/internal/ivm/circuit"
	"github.com/ivmcore/ivmcore/internal/ivm/hash"
	"github.com/ivmcore/ivmcore/internal/ivm/merkle"
	"github.com/ivmcore/ivmcore/internal/ivm/queryplan"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
	"github.com/ivmcore/ivmcore/internal/storage"
)

// ModuleStateKey is the well-known key the registry's snapshot blob is
// persisted under (spec §4.G: "a single opaque blob under a well-known
// key").
const ModuleStateKey = "registry"

// Entry is one compiled circuit shared by every view_id registered with
// the same plan.
type Entry struct {
	CacheKey      uint64
	PlanText      string
	Circuit       *circuit.Circuit
	ViewIDs       map[string]bool
	LastRoot      hash.H
	LastResultIDs []value.RecordID
	LastActive    time.Time

	// Tree and Fingerprint are the Merkle Result Tree's live, in-memory
	// incremental state (spec §4.F). Neither is persisted: a restored
	// entry starts with both nil/zero and takes the Build path on its
	// first post-restore mutation, exactly like a freshly registered one.
	Tree        *merkle.Tree
	Fingerprint uint64
}

// Registry is the process-wide (per-session) view registry.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[uint64]*Entry
	byView map[string]uint64 // view_id -> cache key
	log    *slog.Logger
}

func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		byKey:  make(map[uint64]*Entry),
		byView: make(map[string]uint64),
		log:    log,
	}
}

// ViewRegistered is emitted on every successful Register call, whether
// it created a new circuit or attached to an existing one (spec §4.G).
type ViewRegistered struct {
	ViewID   string
	RootHash hash.H
}

// Register attaches viewID to the circuit compiled for plan, compiling a
// new one if no live circuit shares plan's cache key. isNewCircuit
// reports whether this call created the circuit (vs. attaching to an
// existing, reference-counted one).
func (r *Registry) Register(viewID string, plan *queryplan.Plan) (event ViewRegistered, isNewCircuit bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingKey, ok := r.byView[viewID]; ok {
		return ViewRegistered{}, false, fmt.Errorf("registry: view_id %q already registered to cache key %d", viewID, existingKey)
	}

	key := plan.CacheKey()
	entry, ok := r.byKey[key]
	if !ok {
		entry = &Entry{
			CacheKey:   key,
			PlanText:   plan.String(),
			Circuit:    circuit.Compile(viewID, plan, r.log),
			ViewIDs:    make(map[string]bool),
			LastActive: time.Time{},
		}
		r.byKey[key] = entry
		isNewCircuit = true
	}

	entry.ViewIDs[viewID] = true
	r.byView[viewID] = key

	return ViewRegistered{ViewID: viewID, RootHash: entry.LastRoot}, isNewCircuit, nil
}

// Unregister detaches viewID from its circuit. wasLast reports whether
// this was the last view sharing the circuit, in which case the circuit
// itself was torn down (spec §4.G, §9: "unregister decrements and tears
// down only at zero").
func (r *Registry) Unregister(viewID string) (wasLast bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byView[viewID]
	if !ok {
		return false, fmt.Errorf("registry: view_id %q not registered", viewID)
	}
	delete(r.byView, viewID)

	entry, ok := r.byKey[key]
	if !ok {
		return false, fmt.Errorf("registry: internal: cache key %d has no entry", key)
	}
	delete(entry.ViewIDs, viewID)

	if len(entry.ViewIDs) == 0 {
		delete(r.byKey, key)
		return true, nil
	}
	return false, nil
}

// Lookup returns the circuit entry a view_id is currently attached to.
func (r *Registry) Lookup(viewID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byView[viewID]
	if !ok {
		return nil, false
	}
	return r.byKey[key], true
}

// CircuitsWatching returns every live circuit whose Source admits table
// (its primary FROM table or its related subselect's table), for the
// Session layer to fan a mutation out to.
func (r *Registry) CircuitsWatching(table string) []*circuit.Circuit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*circuit.Circuit
	for _, e := range r.byKey {
		if watches(e, table) {
			out = append(out, e.Circuit)
		}
	}
	return out
}

// EntriesWatching is CircuitsWatching's sibling for the Session layer: it
// returns the full Entry (circuit plus every view_id sharing it), so a
// delivered ViewUpdate can be fanned out to all of them rather than only
// the view_id the circuit happened to be compiled under.
func (r *Registry) EntriesWatching(table string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.byKey {
		if watches(e, table) {
			out = append(out, e)
		}
	}
	return out
}

func watches(e *Entry, table string) bool {
	if e.Circuit.Plan.Table == table {
		return true
	}
	relTable, ok := e.Circuit.RelatedTable()
	return ok && relTable == table
}

// UpdateRoot records the merkle root and result id-set last published for
// the circuit backing viewID's cache key, so a later dedup registration
// sees the current root rather than the zero value.
func (r *Registry) UpdateRoot(viewID string, root hash.H, resultIDs []value.RecordID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byView[viewID]
	if !ok {
		return
	}
	entry := r.byKey[key]
	entry.LastRoot = root
	entry.LastResultIDs = append(entry.LastResultIDs[:0], resultIDs...)
	entry.LastActive = at
}

// TTLSweep removes every circuit whose every view_id's subscriber has
// gone idle for at least ttl (spec §5: "a view with no subscriber for >=
// its TTL is reaped by a background sweep during the next mutation on
// its table"). The caller supplies idle per view_id; a circuit is only
// reaped once ALL of its sharing view_ids are idle.
func (r *Registry) TTLSweep(now time.Time, ttl time.Duration, idleSince func(viewID string) (time.Time, bool)) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []string
	for key, entry := range r.byKey {
		allIdle := true
		for viewID := range entry.ViewIDs {
			since, tracked := idleSince(viewID)
			if !tracked || now.Sub(since) < ttl {
				allIdle = false
				break
			}
		}
		if !allIdle {
			continue
		}
		for viewID := range entry.ViewIDs {
			delete(r.byView, viewID)
			reaped = append(reaped, viewID)
		}
		delete(r.byKey, key)
	}
	return reaped
}

// snapshotEntry is the gob-encodable persisted form of one Entry. Only
// plan text and cross-restart bookkeeping survive a restart; live
// operator state (Source/Filter/OrderLimit's in-memory holds) is not
// restored: Restore recompiles the plan into a fresh circuit, which then
// sees only deltas from later mutations — see DESIGN.md's Open Question
// decision on persistence fidelity.
type snapshotEntry struct {
	CacheKey      uint64
	PlanText      string
	ViewIDs       []string
	LastRoot      hash.H
	LastResultIDs []value.RecordID
	LastActive    time.Time
}

type snapshot struct {
	Entries []snapshotEntry
}

// Snapshot serializes every entry's bookkeeping into a single blob and
// persists it under ModuleStateKey (spec §4.G persistence contract).
func (r *Registry) Snapshot(ctx context.Context, store storage.Store) error {
	r.mu.RLock()
	snap := snapshot{Entries: make([]snapshotEntry, 0, len(r.byKey))}
	for _, e := range r.byKey {
		views := make([]string, 0, len(e.ViewIDs))
		for v := range e.ViewIDs {
			views = append(views, v)
		}
		snap.Entries = append(snap.Entries, snapshotEntry{
			CacheKey:      e.CacheKey,
			PlanText:      e.PlanText,
			ViewIDs:       views,
			LastRoot:      e.LastRoot,
			LastResultIDs: e.LastResultIDs,
			LastActive:    e.LastActive,
		})
	}
	r.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("registry: encode snapshot: %w", err)
	}
	return store.PutModuleState(ctx, ModuleStateKey, buf.Bytes())
}

// Restore reconstructs every entry from a previously persisted snapshot,
// recompiling each circuit from its saved plan text. It is a no-op
// (returns false) if no snapshot exists yet.
func (r *Registry) Restore(ctx context.Context, store storage.Store) (bool, error) {
	blob, ok, err := store.GetModuleState(ctx, ModuleStateKey)
	if err != nil {
		return false, fmt.Errorf("registry: load snapshot: %w", err)
	}
	if !ok {
		return false, nil
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&snap); err != nil {
		return false, fmt.Errorf("registry: decode snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[uint64]*Entry, len(snap.Entries))
	r.byView = make(map[string]uint64)
	for _, se := range snap.Entries {
		plan, err := queryplan.Parse(se.PlanText)
		if err != nil {
			return false, fmt.Errorf("registry: restore: re-parsing plan %q: %w", se.PlanText, err)
		}
		entry := &Entry{
			CacheKey:      se.CacheKey,
			PlanText:      se.PlanText,
			Circuit:       circuit.Compile(firstOf(se.ViewIDs), plan, r.log),
			ViewIDs:       make(map[string]bool, len(se.ViewIDs)),
			LastRoot:      se.LastRoot,
			LastResultIDs: se.LastResultIDs,
			LastActive:    se.LastActive,
		}
		for _, v := range se.ViewIDs {
			entry.ViewIDs[v] = true
			r.byView[v] = se.CacheKey
		}
		r.byKey[se.CacheKey] = entry
	}
	return true, nil
}

func firstOf(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
