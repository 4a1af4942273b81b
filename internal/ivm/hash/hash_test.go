package hash

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXORIsCommutativeAndAssociative(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	c := Hash([]byte("c"))

	assert.Equal(t, XOR(a, b), XOR(b, a), "XOR must be commutative")
	assert.Equal(t, XOR(XOR(a, b), c), XOR(a, XOR(b, c)), "XOR must be associative")
}

func TestXORIdentityAndSelfInverse(t *testing.T) {
	a := Hash([]byte("payload"))
	var zero H

	assert.Equal(t, a, XOR(a, zero), "the all-zero digest must be the XOR identity")
	assert.Equal(t, zero, XOR(a, a), "a value XORed with itself must cancel to the all-zero digest")
}

func TestXORRevertRestoresPriorValue(t *testing.T) {
	// Models the revert-invariance property (spec §8 invariant 3): applying
	// a delta then its inverse must restore the exact prior composition.
	parent := H0
	child := Hash([]byte("child-v1"))

	afterAdd := XOR(parent, child)
	afterRemove := XOR(afterAdd, child)

	assert.Equal(t, parent, afterRemove)
}

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("same input"))
	b := Hash([]byte("same input"))
	assert.Equal(t, a, b)

	c := Hash([]byte("different input"))
	assert.NotEqual(t, a, c)
}

func TestH0IsEmptyInputHash(t *testing.T) {
	assert.Equal(t, Hash(nil), H0)
	assert.Equal(t, Hash([]byte{}), H0)
}

func TestFloat64RejectsNaN(t *testing.T) {
	_, err := Float64(math.NaN())
	require.Error(t, err)
	var canonErr *CanonicalizationError
	require.ErrorAs(t, err, &canonErr)
}

func TestFloat64Deterministic(t *testing.T) {
	a, err := Float64(3.14159)
	require.NoError(t, err)
	b, err := Float64(3.14159)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSortedMapOrderIndependent(t *testing.T) {
	e1 := KeyedEntry{Key: "alpha", ValueHash: Hash([]byte("1"))}
	e2 := KeyedEntry{Key: "beta", ValueHash: Hash([]byte("2"))}

	h1 := SortedMap([]KeyedEntry{e1, e2})
	h2 := SortedMap([]KeyedEntry{e2, e1})

	assert.Equal(t, h1, h2, "map hashing must not depend on input order")
}

func TestSortedMapSensitiveToKeyValue(t *testing.T) {
	base := []KeyedEntry{{Key: "k", ValueHash: Hash([]byte("v1"))}}
	changed := []KeyedEntry{{Key: "k", ValueHash: Hash([]byte("v2"))}}

	assert.NotEqual(t, SortedMap(base), SortedMap(changed))
}

func TestStringRoundTripsThroughHexEncoding(t *testing.T) {
	h := Hash([]byte("hex me"))
	s := h.String()
	assert.Len(t, s, Size*2)
}
