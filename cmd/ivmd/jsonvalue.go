package main

import (
	"encoding/json"
	"fmt"

	"github.com/ivmcore/ivmcore/internal/ivm/schema"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// parseFields decodes a CLI-supplied JSON object into a value.Map, folding
// each field listed in the target table's ParentRefs into a value.Record
// rather than a plain value.String (the schema is the only source of
// truth for which string fields are actually record references, per spec
// §3's parent-ref contract).
func parseFields(table string, meta schema.Metadata, raw string) (value.Value, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return value.Value{}, fmt.Errorf("ivmd: parsing JSON fields: %w", err)
	}

	parentRefs := map[string]bool{}
	if t, ok := meta.Table(table); ok {
		for _, f := range t.ParentRefs {
			parentRefs[f] = true
		}
	}

	fields := make(map[string]value.Value, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok && parentRefs[k] {
			fields[k] = value.Record(value.RecordID(s))
			continue
		}
		fields[k] = jsonToValue(v)
	}
	return value.Map(fields), nil
}

func jsonToValue(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(t)
	case float64:
		if t == float64(int64(t)) {
			return value.Int(int64(t))
		}
		return value.Float(t)
	case string:
		return value.String(t)
	case []any:
		out := make([]value.Value, len(t))
		for i, e := range t {
			out[i] = jsonToValue(e)
		}
		return value.List(out)
	case map[string]any:
		out := make(map[string]value.Value, len(t))
		for k, e := range t {
			out[k] = jsonToValue(e)
		}
		return value.Map(out)
	default:
		return value.Null()
	}
}
