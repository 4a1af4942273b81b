// Package hash provides the deterministic content-addressing primitive used
// throughout the IVM engine: a fixed-width digest, an XOR combinator for
// order-independent composition, and canonicalization rules for the tagged
// value model in internal/ivm/value.
package hash

import (
	"encoding/binary"
	"math"
	"sort"

	"lukechampine.com/blake3"
)

// Size is the fixed width of every digest produced by this package.
const Size = 32

// H is a content digest. The zero value is not meaningful on its own; use H0
// for the distinguished empty-input hash.
type H [Size]byte

// H0 is the hash of the empty byte string. It is not the XOR identity: the
// all-zero digest H{} is.
var H0 = Hash(nil)

// Hash computes the digest of b.
func Hash(b []byte) H {
	var out H
	sum := blake3.Sum256(b)
	copy(out[:], sum[:])
	return out
}

// XOR combines two digests commutatively and associatively. XOR(a, H{}) == a,
// XOR(a, a) == H{}, and the combinator never depends on argument order —
// this is what lets composition-hash cascades (internal/ivm/hashsvc) apply
// dependent-record deltas in any order and still converge.
func XOR(a, b H) H {
	var out H
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Equal reports whether two digests are byte-identical.
func Equal(a, b H) bool {
	return a == b
}

// IsZero reports whether h is the distinguished empty-input hash.
func IsZero(h H) bool {
	return h == H0
}

// Bytes returns the digest's underlying bytes.
func (h H) Bytes() []byte {
	return h[:]
}

// String returns a hex encoding, chiefly for logging and test failure output.
func (h H) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, Size*2)
	for i, b := range h {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// CanonicalizationError is returned when a value cannot be deterministically
// hashed (spec: "Fails only on non-representable values (reported, not
// thrown)").
type CanonicalizationError struct {
	Reason string
}

func (e *CanonicalizationError) Error() string {
	return "hash: cannot canonicalize value: " + e.Reason
}

// Int64 canonicalizes a signed integer as two's-complement big-endian bytes.
func Int64(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

// Float64 canonicalizes a float as its IEEE-754 big-endian bit pattern. NaN
// has no canonical total order and is rejected by the caller (see
// internal/ivm/value) before reaching this function.
func Float64(v float64) ([]byte, error) {
	if math.IsNaN(v) {
		return nil, &CanonicalizationError{Reason: "NaN has no canonical hash representation"}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return buf[:], nil
}

// String canonicalizes a string as its UTF-8 bytes.
func String(s string) []byte {
	return []byte(s)
}

// MillisSinceEpoch canonicalizes a timestamp as milliseconds-since-epoch,
// two's-complement big-endian.
func MillisSinceEpoch(ms int64) []byte {
	return Int64(ms)
}

// KeyedEntry is one (key, value-hash) pair folded into a Map's canonical
// digest.
type KeyedEntry struct {
	Key       string
	ValueHash H
}

// SortedMap computes the hash of a nested object as the hash of its entries
// sorted by key — spec §4.A: "nested objects as the hash of their sorted
// (key, value_hash) list".
func SortedMap(entries []KeyedEntry) H {
	sorted := make([]KeyedEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	buf := make([]byte, 0, len(sorted)*(Size+16))
	for _, e := range sorted {
		buf = append(buf, String(e.Key)...)
		buf = append(buf, 0) // NUL separator: keys are UTF-8 and never contain it after validation upstream
		buf = append(buf, e.ValueHash.Bytes()...)
	}
	return Hash(buf)
}
