// Package value defines the tagged Value variant that carries record field
// content across the wire boundary, the hasher, and the query evaluator.
// Modeled on the Design Notes in spec.md §9: "a tagged Value variant (Null,
// Bool, Int, Float, String, Timestamp, RecordId, List, Map)."
package value

import (
	"fmt"
	"sort"
	"time"

	"github.com/ivmcore/ivmcore/internal/ivm/hash"
)

// Kind discriminates a Value's payload.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTimestamp
	KindRecordID
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindRecordID:
		return "record_id"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a dynamically-typed field value. Exactly one of the typed fields
// is meaningful, selected by Kind.
type Value struct {
	Kind Kind

	boolVal   bool
	intVal    int64
	floatVal  float64
	stringVal string
	timeVal   time.Time
	recordVal RecordID
	listVal   []Value
	mapVal    map[string]Value
}

// RecordID identifies a record as table_name:local_id, per spec §3.
type RecordID string

// Table returns the table-name component of a RecordID.
func (r RecordID) Table() string {
	for i := 0; i < len(r); i++ {
		if r[i] == ':' {
			return string(r[:i])
		}
	}
	return string(r)
}

func Null() Value                  { return Value{Kind: KindNull} }
func Bool(b bool) Value            { return Value{Kind: KindBool, boolVal: b} }
func Int(i int64) Value            { return Value{Kind: KindInt, intVal: i} }
func Float(f float64) Value        { return Value{Kind: KindFloat, floatVal: f} }
func String(s string) Value        { return Value{Kind: KindString, stringVal: s} }
func Timestamp(t time.Time) Value  { return Value{Kind: KindTimestamp, timeVal: t.UTC()} }
func Record(id RecordID) Value     { return Value{Kind: KindRecordID, recordVal: id} }
func List(vs []Value) Value        { return Value{Kind: KindList, listVal: vs} }
func Map(m map[string]Value) Value { return Value{Kind: KindMap, mapVal: m} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) AsBool() (bool, bool)             { return v.boolVal, v.Kind == KindBool }
func (v Value) AsInt() (int64, bool)              { return v.intVal, v.Kind == KindInt }
func (v Value) AsFloat() (float64, bool)          { return v.floatVal, v.Kind == KindFloat }
func (v Value) AsString() (string, bool)          { return v.stringVal, v.Kind == KindString }
func (v Value) AsTimestamp() (time.Time, bool)    { return v.timeVal, v.Kind == KindTimestamp }
func (v Value) AsRecordID() (RecordID, bool)      { return v.recordVal, v.Kind == KindRecordID }
func (v Value) AsList() ([]Value, bool)           { return v.listVal, v.Kind == KindList }
func (v Value) AsMap() (map[string]Value, bool)   { return v.mapVal, v.Kind == KindMap }

// Hash canonicalizes v per spec §4.A and returns its content digest.
func (v Value) Hash() (hash.H, error) {
	switch v.Kind {
	case KindNull:
		return hash.H0, nil
	case KindBool:
		if v.boolVal {
			return hash.Hash([]byte{1}), nil
		}
		return hash.Hash([]byte{0}), nil
	case KindInt:
		return hash.Hash(hash.Int64(v.intVal)), nil
	case KindFloat:
		b, err := hash.Float64(v.floatVal)
		if err != nil {
			return hash.H{}, err
		}
		return hash.Hash(b), nil
	case KindString:
		return hash.Hash(hash.String(v.stringVal)), nil
	case KindTimestamp:
		return hash.Hash(hash.MillisSinceEpoch(v.timeVal.UnixMilli())), nil
	case KindRecordID:
		// "records as their ID" — spec §4.A.
		return hash.Hash([]byte(v.recordVal)), nil
	case KindList:
		entries := make([]hash.KeyedEntry, len(v.listVal))
		for i, elem := range v.listVal {
			h, err := elem.Hash()
			if err != nil {
				return hash.H{}, err
			}
			// Lists are order-sensitive; fold the index into the key so
			// SortedMap's key-sort preserves list order instead of
			// collapsing it like a true set would.
			entries[i] = hash.KeyedEntry{Key: fmt.Sprintf("%08d", i), ValueHash: h}
		}
		return hash.SortedMap(entries), nil
	case KindMap:
		keys := make([]string, 0, len(v.mapVal))
		for k := range v.mapVal {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]hash.KeyedEntry, 0, len(keys))
		for _, k := range keys {
			h, err := v.mapVal[k].Hash()
			if err != nil {
				return hash.H{}, err
			}
			entries = append(entries, hash.KeyedEntry{Key: k, ValueHash: h})
		}
		return hash.SortedMap(entries), nil
	default:
		return hash.H{}, &hash.CanonicalizationError{Reason: fmt.Sprintf("unknown value kind %d", v.Kind)}
	}
}

// Equal compares two values by their canonical hash, so NaN-free equal
// values with different in-memory representations (e.g. two maps built in
// different key order) still compare equal.
func Equal(a, b Value) (bool, error) {
	ah, err := a.Hash()
	if err != nil {
		return false, err
	}
	bh, err := b.Hash()
	if err != nil {
		return false, err
	}
	return ah == bh, nil
}
