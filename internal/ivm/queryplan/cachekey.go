package queryplan

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// String renders the Plan back into canonical, whitespace-normalized plan
// text — the form CacheKey hashes, and the form two equivalent
// registrations (spelled differently but structurally identical) collapse
// to (spec §4.D, §4.G scenario 6).
func (p *Plan) String() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")

	switch {
	case p.Fields == nil && p.Related == nil:
		sb.WriteString("*")
	case p.Fields == nil && p.Related != nil:
		sb.WriteString("*, ")
		sb.WriteString(p.Related.string())
	default:
		parts := append([]string(nil), p.Fields...)
		if p.Related != nil {
			parts = append(parts, p.Related.string())
		}
		sb.WriteString(strings.Join(parts, ", "))
	}

	sb.WriteString(" FROM ")
	sb.WriteString(p.Table)

	if p.Where != nil {
		sb.WriteString(" WHERE ")
		sb.WriteString(p.Where.String())
	}

	if len(p.Order) > 0 {
		sb.WriteString(" ORDER BY ")
		keys := make([]string, len(p.Order))
		for i, k := range p.Order {
			dir := "ASC"
			if k.Desc {
				dir = "DESC"
			}
			keys[i] = fmt.Sprintf("%s %s", k.Field, dir)
		}
		sb.WriteString(strings.Join(keys, ", "))
	}

	if p.Limit != nil {
		fmt.Fprintf(&sb, " LIMIT %d", *p.Limit)
	}

	return sb.String()
}

func (r *RelatedPlan) string() string {
	var sb strings.Builder
	sb.WriteString("(SELECT * FROM ")
	sb.WriteString(r.Table)
	sb.WriteString(" WHERE ")
	sb.WriteString(r.ParentField)
	sb.WriteString("=$parent.id")
	if r.Where != nil {
		sb.WriteString(" AND ")
		sb.WriteString(r.Where.String())
	}
	if r.Limit != nil {
		fmt.Fprintf(&sb, " LIMIT %d", *r.Limit)
	}
	sb.WriteString(") AS ")
	sb.WriteString(r.Alias)
	return sb.String()
}

// CacheKey is a non-cryptographic fingerprint of the canonical plan text,
// used by the View Registry to dedup structurally identical registrations
// without comparing full ASTs.
func (p *Plan) CacheKey() uint64 {
	if p.raw != "" {
		return xxhash.Sum64String(p.raw)
	}
	return xxhash.Sum64String(p.String())
}
