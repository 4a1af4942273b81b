// Package ivmerr defines the error kinds the IVM engine returns across its
// public API boundary (spec §7). Schema validation, the session's view
// registration calls, and the missing-prior, cycle and persistence
// failures of a mutation return *Error so callers can branch on Kind with
// errors.As; queryplan, registry, config and storage return their own
// error types or wrapped errors.
package ivmerr

import "fmt"

// Kind discriminates the category of failure.
type Kind string

const (
	// KindSchemaError: missing/cyclic metadata; fatal at init.
	KindSchemaError Kind = "schema_error"
	// KindParseError: bad plan text; returned to the caller of register_view.
	KindParseError Kind = "parse_error"
	// KindTypeMismatch: filter/join comparing incompatible types; the
	// offending delta is dropped and a warning logged, the view is not torn
	// down.
	KindTypeMismatch Kind = "type_mismatch"
	// KindMissingPrior: UPDATE/DELETE without a loadable prior_value; the
	// mutation fails and nothing is applied.
	KindMissingPrior Kind = "missing_prior"
	// KindCycleDetected: cascade depth exceeds the schema-acyclicity
	// guarantee; the mutation fails atomically.
	KindCycleDetected Kind = "cycle_detected"
	// KindPersistenceTimeout: snapshot flush failed or exceeded its
	// deadline; the mutation is reported as failed. The hash and circuit
	// state already applied in memory is not rolled back.
	KindPersistenceTimeout Kind = "persistence_timeout"
	// KindIncoherent: the merkle tree saw an unknown total_hash; the view is
	// marked for rehydration.
	KindIncoherent Kind = "incoherent"
	// KindUnsupported: a syntactically valid but semantically unsupported
	// query construct.
	KindUnsupported Kind = "unsupported"
	// KindNotFound: a referenced view_id/record_id does not exist.
	KindNotFound Kind = "not_found"
)

// Error is the single error shape every public IVM operation returns.
// RecordID/ViewID carry only the offending identifier, never other
// internal state, per spec §7: "never expose internal IDs other than the
// offending record_id/view_id."
type Error struct {
	Kind     Kind
	Message  string
	RecordID string
	ViewID   string
	Offset   int // meaningful only for KindParseError
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.RecordID != "":
		return fmt.Sprintf("ivm: %s: %s (record=%s)", e.Kind, e.Message, e.RecordID)
	case e.ViewID != "":
		return fmt.Sprintf("ivm: %s: %s (view=%s)", e.Kind, e.Message, e.ViewID)
	default:
		return fmt.Sprintf("ivm: %s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &Error{Kind: KindX}) to match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind wrapping a lower-level error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
