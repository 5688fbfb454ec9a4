// Package operators implements the incremental SQL operators: projection,
// selection, aggregation, join, window table functions and union. Every
// operator consumes and produces delta operations; stateful operators keep
// their working set in an epoch-scoped state store so the emitted deltas stay
// consistent with the accumulated input across restarts.
package operators

import (
	"errors"
	"fmt"

	"github.com/tarungka/reflow/internal/expression"
	"github.com/tarungka/reflow/internal/types"
)

// ExprBuilder constructs a typed expression against a resolved input schema.
// The logical plan hands these to operator factories; the factory runs them
// once at build time.
type ExprBuilder func(schema types.Schema) (expression.Expression, error)

// ColumnRef is the common case: a plain column reference by name.
func ColumnRef(name string) ExprBuilder {
	return func(schema types.Schema) (expression.Expression, error) {
		return expression.NewColumnByName(schema, name)
	}
}

// RecordError wraps a per-record, recoverable failure: the executor's error
// policy decides whether it drops the record or aborts the pipeline.
type RecordError struct {
	Err error
}

func (e *RecordError) Error() string { return fmt.Sprintf("operators: record error: %v", e.Err) }
func (e *RecordError) Unwrap() error { return e.Err }

// IsRecordError reports whether err is a per-record recoverable failure.
func IsRecordError(err error) bool {
	var re *RecordError
	return errors.As(err, &re)
}

// asRecordError classifies evaluation failures: cast errors, overflow and
// evaluation faults are per-record; everything else is fatal.
func asRecordError(err error) error {
	var ce *expression.CastError
	if errors.As(err, &ce) ||
		errors.Is(err, expression.ErrArithmeticOverflow) ||
		errors.Is(err, expression.ErrEval) {
		return &RecordError{Err: err}
	}
	return err
}

// truthy implements predicate semantics: NULL filters as false.
func truthy(f types.Field) bool {
	return f.Kind == types.TypeBoolean && f.Boolean
}
