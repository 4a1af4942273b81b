package circuit

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ivmcore/ivmcore/internal/ivm/queryplan"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// Filter is a stateless operator evaluating a WHERE expression against
// each delta's field snapshot (spec §4.E). A delta that cannot be
// evaluated (incompatible comparison types) is dropped with a warning
// rather than failing the circuit (spec §7 TypeMismatch).
type Filter struct {
	Expr queryplan.Expr
	Log  *slog.Logger
}

func NewFilter(expr queryplan.Expr, log *slog.Logger) *Filter {
	if log == nil {
		log = slog.Default()
	}
	return &Filter{Expr: expr, Log: log}
}

func (f *Filter) Ingest(ctx context.Context, d Delta) ([]Delta, error) {
	if f.Expr == nil {
		return []Delta{d}, nil
	}
	matched, err := evaluate(f.Expr, d.Fields)
	if err != nil {
		f.Log.WarnContext(ctx, "circuit: filter dropped delta", "record_id", d.RecordID, "error", err)
		return nil, nil
	}
	if !matched {
		return nil, nil
	}
	return []Delta{d}, nil
}

func (f *Filter) Snapshot() (OperatorState, error) { return OperatorState{Kind: "filter"}, nil }
func (f *Filter) Restore(OperatorState) error       { return nil }

func evaluate(expr queryplan.Expr, fields map[string]value.Value) (bool, error) {
	switch n := expr.(type) {
	case *queryplan.EqualExpr:
		fv, ok := fields[n.Field]
		if !ok || fv.IsNull() {
			return false, nil
		}
		lit, err := coerceLiteral(n.Value, fv.Kind)
		if err != nil {
			return false, err
		}
		return value.Equal(fv, lit)
	case *queryplan.PrefixExpr:
		fv, ok := fields[n.Field]
		if !ok {
			return false, nil
		}
		s, ok := asString(fv)
		if !ok {
			return false, nil
		}
		return strings.HasPrefix(s, n.Prefix), nil
	case *queryplan.IsNullExpr:
		fv, ok := fields[n.Field]
		isNull := !ok || fv.IsNull()
		if n.Negate {
			return !isNull, nil
		}
		return isNull, nil
	case *queryplan.AndExpr:
		left, err := evaluate(n.Left, fields)
		if err != nil || !left {
			return false, err
		}
		return evaluate(n.Right, fields)
	case *queryplan.OrExpr:
		left, err := evaluate(n.Left, fields)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return evaluate(n.Right, fields)
	default:
		return false, nil
	}
}

func asString(v value.Value) (string, bool) {
	if s, ok := v.AsString(); ok {
		return s, true
	}
	if rid, ok := v.AsRecordID(); ok {
		return string(rid), true
	}
	return "", false
}

// coerceLiteral interprets a plan literal's raw text as targetKind so it
// can be compared against a record field of that kind.
func coerceLiteral(lit queryplan.Literal, targetKind value.Kind) (value.Value, error) {
	switch targetKind {
	case value.KindInt:
		n, err := strconv.ParseInt(lit.Raw, 10, 64)
		if err != nil {
			return value.Value{}, &typeMismatchError{raw: lit.Raw, target: "int"}
		}
		return value.Int(n), nil
	case value.KindFloat:
		f, err := strconv.ParseFloat(lit.Raw, 64)
		if err != nil {
			return value.Value{}, &typeMismatchError{raw: lit.Raw, target: "float"}
		}
		return value.Float(f), nil
	case value.KindBool:
		b, err := strconv.ParseBool(lit.Raw)
		if err != nil {
			return value.Value{}, &typeMismatchError{raw: lit.Raw, target: "bool"}
		}
		return value.Bool(b), nil
	case value.KindRecordID:
		return value.Record(value.RecordID(lit.Raw)), nil
	default:
		return value.String(lit.Raw), nil
	}
}

type typeMismatchError struct {
	raw    string
	target string
}

func (e *typeMismatchError) Error() string {
	return "circuit: cannot compare literal " + strconv.Quote(e.raw) + " as " + e.target
}
