package circuit

import "context"

// Source admits deltas for one or more tables, dropping everything else
// (spec §4.E). A circuit with a related subselect admits both the
// primary and the related table here so the RelatedAggregator stage
// downstream sees both sides. It carries no state of its own.
type Source struct {
	Tables map[string]bool
}

func NewSource(tables ...string) *Source {
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}
	return &Source{Tables: set}
}

func (s *Source) Ingest(ctx context.Context, d Delta) ([]Delta, error) {
	if !s.Tables[d.Table] {
		return nil, nil
	}
	return []Delta{d}, nil
}

func (s *Source) Snapshot() (OperatorState, error) { return OperatorState{Kind: "source"}, nil }
func (s *Source) Restore(OperatorState) error      { return nil }
