// Package expression implements the scalar expression trees evaluated by the
// operators. Types are resolved once at build time against the input schema;
// evaluation never re-checks column types on the hot path.
package expression

import (
	"errors"
	"fmt"

	"github.com/tarungka/reflow/internal/types"
)

var (
	// ErrTypeResolution is a build-time failure to type an expression.
	ErrTypeResolution = errors.New("expression: type resolution failed")
	// ErrUnsupportedExpression is a build-time failure for constructs the
	// evaluator does not implement.
	ErrUnsupportedExpression = errors.New("expression: unsupported expression")
	// ErrArithmeticOverflow is a per-record runtime failure.
	ErrArithmeticOverflow = errors.New("expression: arithmetic overflow")
	// ErrEval is a per-record runtime evaluation failure.
	ErrEval = errors.New("expression: evaluation failed")
)

// CastError is a per-record runtime failure to cast a value.
type CastError struct {
	From types.FieldType
	To   types.FieldType
	Val  types.Field
}

func (e *CastError) Error() string {
	return fmt.Sprintf("expression: cannot cast %s value %v to %s", e.From, e.Val, e.To)
}

// Expression is a typed scalar expression. ResultType and Nullable are fixed
// at construction.
type Expression interface {
	Evaluate(rec types.Record) (types.Field, error)
	ResultType() types.FieldType
	Nullable() bool
}

// Literal is a constant.
type Literal struct {
	value types.Field
}

func NewLiteral(value types.Field) *Literal {
	return &Literal{value: value}
}

func (l *Literal) Evaluate(types.Record) (types.Field, error) { return l.value, nil }
func (l *Literal) ResultType() types.FieldType                { return l.value.Kind }
func (l *Literal) Nullable() bool                             { return l.value.IsNull() }

// Column references an input column by position.
type Column struct {
	index    int
	typ      types.FieldType
	nullable bool
}

func NewColumn(schema types.Schema, index int) (*Column, error) {
	if index < 0 || index >= len(schema.Fields) {
		return nil, fmt.Errorf("%w: column index %d out of range", ErrTypeResolution, index)
	}
	def := schema.Fields[index]
	return &Column{index: index, typ: def.Type, nullable: def.Nullable}, nil
}

// NewColumnByName resolves a column reference by name.
func NewColumnByName(schema types.Schema, name string) (*Column, error) {
	idx := schema.FieldIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: unknown column %q", ErrTypeResolution, name)
	}
	return NewColumn(schema, idx)
}

func (c *Column) Evaluate(rec types.Record) (types.Field, error) {
	if c.index >= len(rec) {
		return types.Field{}, fmt.Errorf("%w: record has %d fields, column %d referenced", ErrEval, len(rec), c.index)
	}
	return rec[c.index], nil
}

func (c *Column) ResultType() types.FieldType { return c.typ }
func (c *Column) Nullable() bool              { return c.nullable }
func (c *Column) Index() int                  { return c.index }

// IsNull implements IS NULL / IS NOT NULL. Always boolean, never null.
type IsNull struct {
	arg     Expression
	negated bool
}

func NewIsNull(arg Expression, negated bool) *IsNull {
	return &IsNull{arg: arg, negated: negated}
}

func (e *IsNull) Evaluate(rec types.Record) (types.Field, error) {
	v, err := e.arg.Evaluate(rec)
	if err != nil {
		return types.Field{}, err
	}
	return types.NewBoolean(v.IsNull() != e.negated), nil
}

func (e *IsNull) ResultType() types.FieldType { return types.TypeBoolean }
func (e *IsNull) Nullable() bool              { return false }

// Case is a searched CASE expression: WHEN cond THEN value pairs plus an
// optional ELSE (null when absent).
type Case struct {
	whens []When
	els   Expression
	typ   types.FieldType
}

type When struct {
	Cond Expression
	Then Expression
}

func NewCase(whens []When, els Expression) (*Case, error) {
	if len(whens) == 0 {
		return nil, fmt.Errorf("%w: CASE without WHEN", ErrUnsupportedExpression)
	}
	typ := whens[0].Then.ResultType()
	for _, w := range whens {
		if ct := w.Cond.ResultType(); ct != types.TypeBoolean && ct != types.TypeNull {
			return nil, fmt.Errorf("%w: CASE condition is %s, not boolean", ErrTypeResolution, w.Cond.ResultType())
		}
		if t := w.Then.ResultType(); t != typ && t != types.TypeNull {
			if typ == types.TypeNull {
				typ = t
				continue
			}
			return nil, fmt.Errorf("%w: CASE branches disagree: %s vs %s", ErrTypeResolution, typ, t)
		}
	}
	if els != nil {
		if t := els.ResultType(); t != typ && t != types.TypeNull && typ != types.TypeNull {
			return nil, fmt.Errorf("%w: CASE else branch is %s, expected %s", ErrTypeResolution, t, typ)
		}
	}
	return &Case{whens: whens, els: els, typ: typ}, nil
}

func (e *Case) Evaluate(rec types.Record) (types.Field, error) {
	for _, w := range e.whens {
		cond, err := w.Cond.Evaluate(rec)
		if err != nil {
			return types.Field{}, err
		}
		// Unknown conditions fall through, as in SQL.
		if cond.Kind == types.TypeBoolean && cond.Boolean {
			return w.Then.Evaluate(rec)
		}
	}
	if e.els != nil {
		return e.els.Evaluate(rec)
	}
	return types.NullField, nil
}

func (e *Case) ResultType() types.FieldType { return e.typ }
func (e *Case) Nullable() bool              { return true }

// In implements `arg IN (list...)` with three-valued semantics: true on a
// match, null if no match but a null was involved, false otherwise.
type In struct {
	arg     Expression
	list    []Expression
	negated bool
}

func NewIn(arg Expression, list []Expression, negated bool) (*In, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: IN with empty list", ErrUnsupportedExpression)
	}
	return &In{arg: arg, list: list, negated: negated}, nil
}

func (e *In) Evaluate(rec types.Record) (types.Field, error) {
	v, err := e.arg.Evaluate(rec)
	if err != nil {
		return types.Field{}, err
	}
	if v.IsNull() {
		return types.NullField, nil
	}
	sawNull := false
	for _, item := range e.list {
		iv, err := item.Evaluate(rec)
		if err != nil {
			return types.Field{}, err
		}
		if iv.IsNull() {
			sawNull = true
			continue
		}
		c, err := v.Compare(iv)
		if err != nil {
			return types.Field{}, fmt.Errorf("%w: %v", ErrEval, err)
		}
		if c == 0 {
			return types.NewBoolean(!e.negated), nil
		}
	}
	if sawNull {
		return types.NullField, nil
	}
	return types.NewBoolean(e.negated), nil
}

func (e *In) ResultType() types.FieldType { return types.TypeBoolean }
func (e *In) Nullable() bool              { return true }
