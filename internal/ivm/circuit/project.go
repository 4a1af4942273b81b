package circuit

import (
	"context"

	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// Project narrows a delta's field tuple to the selected field list. It is
// stateless and never affects set membership (spec §4.E).
type Project struct {
	Fields []string // nil means pass every field through unchanged
}

func NewProject(fields []string) *Project {
	return &Project{Fields: fields}
}

func (p *Project) Ingest(ctx context.Context, d Delta) ([]Delta, error) {
	if p.Fields == nil {
		return []Delta{d}, nil
	}
	narrowed := make(map[string]value.Value, len(p.Fields))
	for _, f := range p.Fields {
		if v, ok := d.Fields[f]; ok {
			narrowed[f] = v
		}
	}
	out := d
	out.Fields = narrowed
	return []Delta{out}, nil
}

func (p *Project) Snapshot() (OperatorState, error) { return OperatorState{Kind: "project"}, nil }
func (p *Project) Restore(OperatorState) error       { return nil }
