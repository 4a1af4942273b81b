// Package merkle implements the Merkle Result Tree (spec §4.F): a
// per-view binary hash tree over the ordered (record_id, total_hash)
// leaves a Sink publishes. The shape is one hash slice per level, grounded on
// the incremental path-rehash idiom of go-ethereum's triedb/pathdb
// (see other_examples): only the path from a changed leaf to the root
// is ever recomputed, not the whole tree.
package merkle

import (
	"github.com/cespare/xxhash/v2"

	"github.com/ivmcore/ivmcore/internal/ivm/hash"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// Leaf is one (record_id, total_hash) pair.
type Leaf struct {
	RecordID  value.RecordID
	TotalHash hash.H
}

// Tree is a view's Merkle Result Tree. Build computes every level
// bottom-up in one pass from an ordered leaf list; Update rehashes only
// the path from one changed leaf to the root. A tree can be kept across
// publishes and updated in place while its leaf ids and their order stay
// the same; an insert, removal or reorder needs a fresh Build.
type Tree struct {
	leaves     []Leaf
	nodes      [][]hash.H // nodes[0] is the leaf level, nodes[len-1] the root
	posByID    map[value.RecordID]int
	Incoherent bool // set when a leaf's total_hash was unknown and H0 was substituted
}

// Build constructs a tree from the ordered leaf list. A leaf whose
// TotalHash is the zero value (never set) is treated as unknown: H0 is
// substituted and Incoherent is set, so the caller can re-hydrate
// (spec §4.F).
func Build(leaves []Leaf) *Tree {
	t := &Tree{
		leaves:  append([]Leaf(nil), leaves...),
		posByID: make(map[value.RecordID]int, len(leaves)),
	}
	var unset hash.H // Go zero value: a leaf whose total_hash was never assigned
	for i, l := range t.leaves {
		t.posByID[l.RecordID] = i
		if l.TotalHash == unset {
			t.Incoherent = true
		}
	}
	t.rebuild()
	return t
}

// rebuild recomputes every level from the current leaf list. Odd levels
// duplicate their last node before pairing, per spec §4.F.
func (t *Tree) rebuild() {
	var unset hash.H
	level := make([]hash.H, len(t.leaves))
	for i, l := range t.leaves {
		if l.TotalHash == unset {
			level[i] = hash.H0
			continue
		}
		level[i] = l.TotalHash
	}
	if len(level) == 0 {
		t.nodes = [][]hash.H{{hash.H0}}
		return
	}

	nodes := [][]hash.H{level}
	for len(level) > 1 {
		level = combineLevel(level)
		nodes = append(nodes, level)
	}
	t.nodes = nodes
}

func combineLevel(level []hash.H) []hash.H {
	padded := level
	if len(padded)%2 == 1 {
		padded = append(append([]hash.H(nil), level...), level[len(level)-1])
	}
	next := make([]hash.H, len(padded)/2)
	for i := 0; i < len(next); i++ {
		next[i] = combine(padded[2*i], padded[2*i+1])
	}
	return next
}

func combine(left, right hash.H) hash.H {
	buf := make([]byte, 0, hash.Size*2)
	buf = append(buf, left.Bytes()...)
	buf = append(buf, right.Bytes()...)
	return hash.Hash(buf)
}

// Root returns the tree's root hash. An empty tree's root is H0.
func (t *Tree) Root() hash.H {
	if len(t.nodes) == 0 {
		return hash.H0
	}
	top := t.nodes[len(t.nodes)-1]
	if len(top) == 0 {
		return hash.H0
	}
	return top[0]
}

// LeafHashes returns the ordered list of leaf total-hashes backing Root.
func (t *Tree) LeafHashes() []hash.H {
	out := make([]hash.H, len(t.leaves))
	for i, l := range t.leaves {
		out[i] = l.TotalHash
	}
	return out
}

// Update replaces a single leaf's total_hash in place and rehashes only
// the path from that leaf to the root — the incremental case spec §4.F
// calls out explicitly ("on insert/remove/reorder, only the affected
// path is rehashed"), applicable when the leaf's position is unchanged.
// Insert, remove, and reorder all change index positions/count, so those
// call Build instead: the path-only optimization only saves work when
// membership and order are stable and a single leaf's hash changed.
func (t *Tree) Update(id value.RecordID, newHash hash.H) bool {
	pos, ok := t.posByID[id]
	if !ok {
		return false
	}
	t.leaves[pos].TotalHash = newHash
	if len(t.nodes) == 0 {
		return true
	}
	t.nodes[0][pos] = newHash

	idx := pos
	for level := 0; level < len(t.nodes)-1; level++ {
		cur := t.nodes[level]
		siblingIdx := idx ^ 1
		sibling := cur[idx]
		if siblingIdx < len(cur) {
			sibling = cur[siblingIdx]
		}
		var left, right hash.H
		if idx%2 == 0 {
			left = cur[idx]
			right = sibling
		} else {
			left = sibling
			right = cur[idx]
		}
		parentIdx := idx / 2
		t.nodes[level+1][parentIdx] = combine(left, right)
		idx = parentIdx
	}
	return true
}

// FastFingerprint returns a non-cryptographic xxhash digest of the
// ordered leaf id list, for cheap membership/order change-detection
// before deciding whether Build needs to run again. It is never used as
// the Merkle root itself — only hash.H digests ever serve that role.
func FastFingerprint(leaves []Leaf) uint64 {
	h := xxhash.New()
	for _, l := range leaves {
		_, _ = h.WriteString(string(l.RecordID))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
