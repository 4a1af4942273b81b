package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivmcore/ivmcore/internal/ivm/hash"
)

func h(s string) hash.H {
	return hash.Hash([]byte(s))
}

func TestRootIsDeterministicForSameOrderedLeaves(t *testing.T) {
	leaves := []Leaf{
		{RecordID: "items:1", TotalHash: h("a")},
		{RecordID: "items:2", TotalHash: h("b")},
		{RecordID: "items:3", TotalHash: h("c")},
	}
	t1 := Build(leaves)
	t2 := Build(append([]Leaf(nil), leaves...))
	assert.Equal(t, t1.Root(), t2.Root())
	assert.False(t, t1.Incoherent)
}

func TestRootChangesWhenOrderChanges(t *testing.T) {
	a := Build([]Leaf{{RecordID: "items:1", TotalHash: h("a")}, {RecordID: "items:2", TotalHash: h("b")}})
	b := Build([]Leaf{{RecordID: "items:2", TotalHash: h("b")}, {RecordID: "items:1", TotalHash: h("a")}})
	assert.NotEqual(t, a.Root(), b.Root())
}

func TestOddLeafCountDuplicatesLastLeaf(t *testing.T) {
	leaves := []Leaf{
		{RecordID: "items:1", TotalHash: h("a")},
		{RecordID: "items:2", TotalHash: h("b")},
		{RecordID: "items:3", TotalHash: h("c")},
	}
	tree := Build(leaves)

	// hand-compute: pad to [a,b,c,c], pair -> [combine(a,b), combine(c,c)],
	// root = combine(combine(a,b), combine(c,c))
	left := combine(h("a"), h("b"))
	right := combine(h("c"), h("c"))
	want := combine(left, right)
	assert.Equal(t, want, tree.Root())
}

func TestSingleLeafRootIsItsHash(t *testing.T) {
	tree := Build([]Leaf{{RecordID: "items:1", TotalHash: h("a")}})
	assert.Equal(t, h("a"), tree.Root())
}

func TestEmptyTreeRootIsH0(t *testing.T) {
	tree := Build(nil)
	assert.Equal(t, hash.H0, tree.Root())
	assert.Empty(t, tree.LeafHashes())
}

func TestUnknownTotalHashSubstitutesH0AndFlagsIncoherent(t *testing.T) {
	leaves := []Leaf{
		{RecordID: "items:1", TotalHash: h("a")},
		{RecordID: "items:2"}, // zero value: unknown
	}
	tree := Build(leaves)
	require.True(t, tree.Incoherent)
	want := combine(h("a"), hash.H0)
	assert.Equal(t, want, tree.Root())
}

func TestUpdateMatchesFullRebuildWhenPositionStable(t *testing.T) {
	leaves := []Leaf{
		{RecordID: "items:1", TotalHash: h("a")},
		{RecordID: "items:2", TotalHash: h("b")},
		{RecordID: "items:3", TotalHash: h("c")},
		{RecordID: "items:4", TotalHash: h("d")},
	}
	tree := Build(leaves)

	ok := tree.Update("items:2", h("z"))
	require.True(t, ok)

	rebuilt := Build([]Leaf{
		{RecordID: "items:1", TotalHash: h("a")},
		{RecordID: "items:2", TotalHash: h("z")},
		{RecordID: "items:3", TotalHash: h("c")},
		{RecordID: "items:4", TotalHash: h("d")},
	})
	assert.Equal(t, rebuilt.Root(), tree.Root())
}

func TestUpdateOnOddLeafCountMatchesRebuild(t *testing.T) {
	tree := Build([]Leaf{
		{RecordID: "items:1", TotalHash: h("a")},
		{RecordID: "items:2", TotalHash: h("b")},
		{RecordID: "items:3", TotalHash: h("c")},
	})
	require.True(t, tree.Update("items:3", h("z")))

	rebuilt := Build([]Leaf{
		{RecordID: "items:1", TotalHash: h("a")},
		{RecordID: "items:2", TotalHash: h("b")},
		{RecordID: "items:3", TotalHash: h("z")},
	})
	assert.Equal(t, rebuilt.Root(), tree.Root())
}

func TestUpdateUnknownIDReturnsFalse(t *testing.T) {
	tree := Build([]Leaf{{RecordID: "items:1", TotalHash: h("a")}})
	assert.False(t, tree.Update("items:missing", h("z")))
}

func TestFastFingerprintStableForSameOrder(t *testing.T) {
	leaves := []Leaf{{RecordID: "items:1"}, {RecordID: "items:2"}}
	assert.Equal(t, FastFingerprint(leaves), FastFingerprint(leaves))
}

func TestFastFingerprintDiffersForDifferentOrder(t *testing.T) {
	a := []Leaf{{RecordID: "items:1"}, {RecordID: "items:2"}}
	b := []Leaf{{RecordID: "items:2"}, {RecordID: "items:1"}}
	assert.NotEqual(t, FastFingerprint(a), FastFingerprint(b))
}
