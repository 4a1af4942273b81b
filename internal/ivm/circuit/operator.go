package circuit

import "context"

// OperatorState is an opaque, gob-encodable snapshot of one operator's
// internal state, used by the View Registry to persist a circuit without
// replaying history (spec §4.G).
type OperatorState struct {
	Kind string
	Data []byte
}

// Operator is one stage of a compiled circuit DAG (spec §4.E).
type Operator interface {
	// Ingest consumes one upstream delta and returns the deltas this
	// operator emits downstream (possibly none).
	Ingest(ctx context.Context, d Delta) ([]Delta, error)
	Snapshot() (OperatorState, error)
	Restore(OperatorState) error
}
