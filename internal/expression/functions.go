package expression

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarungka/reflow/internal/types"
)

// Like implements SQL LIKE: `%` matches any sequence, `_` matches one
// character, `\` escapes. The pattern must be a literal; it compiles to a
// regexp once at build time.
type Like struct {
	arg     Expression
	re      *regexp.Regexp
	negated bool
}

func NewLike(arg Expression, pattern string, negated bool) (*Like, error) {
	at := arg.ResultType()
	if at != types.TypeString && at != types.TypeText && at != types.TypeNull {
		return nil, fmt.Errorf("%w: LIKE requires a string operand, got %s", ErrTypeResolution, at)
	}
	re, err := compileLike(pattern)
	if err != nil {
		return nil, err
	}
	return &Like{arg: arg, re: re, negated: negated}, nil
}

func compileLike(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	escaped := false
	for _, r := range pattern {
		if escaped {
			sb.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '%':
			sb.WriteString("(?s).*")
		case '_':
			sb.WriteString("(?s).")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		return nil, fmt.Errorf("%w: LIKE pattern ends with escape", ErrUnsupportedExpression)
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

func (e *Like) Evaluate(rec types.Record) (types.Field, error) {
	v, err := e.arg.Evaluate(rec)
	if err != nil {
		return types.Field{}, err
	}
	if v.IsNull() {
		return types.NullField, nil
	}
	return types.NewBoolean(e.re.MatchString(v.Str) != e.negated), nil
}

func (e *Like) ResultType() types.FieldType { return types.TypeBoolean }
func (e *Like) Nullable() bool              { return e.arg.Nullable() }

// Cast converts a value to a target type. Failures are per-record CastErrors;
// the pipeline's error policy decides whether they drop the record or abort.
type Cast struct {
	arg Expression
	to  types.FieldType
}

func NewCast(arg Expression, to types.FieldType) (*Cast, error) {
	if to == types.TypeNull {
		return nil, fmt.Errorf("%w: cast to null", ErrUnsupportedExpression)
	}
	return &Cast{arg: arg, to: to}, nil
}

func (e *Cast) ResultType() types.FieldType { return e.to }
func (e *Cast) Nullable() bool              { return e.arg.Nullable() }

func (e *Cast) Evaluate(rec types.Record) (types.Field, error) {
	v, err := e.arg.Evaluate(rec)
	if err != nil {
		return types.Field{}, err
	}
	if v.IsNull() {
		return types.NullField, nil
	}
	if v.Kind == e.to {
		return v, nil
	}
	out, ok := castField(v, e.to)
	if !ok {
		return types.Field{}, &CastError{From: v.Kind, To: e.to, Val: v}
	}
	return out, nil
}

func castField(v types.Field, to types.FieldType) (types.Field, bool) {
	switch to {
	case types.TypeInt:
		switch v.Kind {
		case types.TypeUInt:
			if v.Uint > math.MaxInt64 {
				return types.Field{}, false
			}
			return types.NewInt(int64(v.Uint)), true
		case types.TypeFloat:
			return types.NewInt(int64(v.Float)), true
		case types.TypeDecimal:
			return types.NewInt(v.Decimal.IntPart()), true
		case types.TypeBoolean:
			if v.Boolean {
				return types.NewInt(1), true
			}
			return types.NewInt(0), true
		case types.TypeString, types.TypeText:
			n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
			if err != nil {
				return types.Field{}, false
			}
			return types.NewInt(n), true
		}
	case types.TypeUInt:
		switch v.Kind {
		case types.TypeInt:
			if v.Int < 0 {
				return types.Field{}, false
			}
			return types.NewUInt(uint64(v.Int)), true
		case types.TypeFloat:
			if v.Float < 0 {
				return types.Field{}, false
			}
			return types.NewUInt(uint64(v.Float)), true
		case types.TypeString, types.TypeText:
			n, err := strconv.ParseUint(strings.TrimSpace(v.Str), 10, 64)
			if err != nil {
				return types.Field{}, false
			}
			return types.NewUInt(n), true
		}
	case types.TypeFloat:
		switch v.Kind {
		case types.TypeInt:
			return types.NewFloat(float64(v.Int)), true
		case types.TypeUInt:
			return types.NewFloat(float64(v.Uint)), true
		case types.TypeDecimal:
			f, _ := v.Decimal.Float64()
			return types.NewFloat(f), true
		case types.TypeString, types.TypeText:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
			if err != nil {
				return types.Field{}, false
			}
			return types.NewFloat(f), true
		}
	case types.TypeDecimal:
		switch v.Kind {
		case types.TypeInt:
			return types.NewDecimal(decimal.NewFromInt(v.Int)), true
		case types.TypeUInt:
			return types.NewDecimal(decimal.NewFromUint64(v.Uint)), true
		case types.TypeFloat:
			return types.NewDecimal(decimal.NewFromFloat(v.Float)), true
		case types.TypeString, types.TypeText:
			d, err := decimal.NewFromString(strings.TrimSpace(v.Str))
			if err != nil {
				return types.Field{}, false
			}
			return types.NewDecimal(d), true
		}
	case types.TypeString, types.TypeText:
		s := v.String()
		if to == types.TypeText {
			return types.NewText(s), true
		}
		return types.NewString(s), true
	case types.TypeBoolean:
		switch v.Kind {
		case types.TypeInt:
			return types.NewBoolean(v.Int != 0), true
		case types.TypeUInt:
			return types.NewBoolean(v.Uint != 0), true
		case types.TypeString, types.TypeText:
			b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v.Str)))
			if err != nil {
				return types.Field{}, false
			}
			return types.NewBoolean(b), true
		}
	case types.TypeTimestamp:
		switch v.Kind {
		case types.TypeDate:
			return types.NewTimestamp(v.Timestamp), true
		case types.TypeString, types.TypeText:
			t, err := time.Parse(time.RFC3339Nano, v.Str)
			if err != nil {
				t, err = time.Parse(time.RFC3339, v.Str)
			}
			if err != nil {
				return types.Field{}, false
			}
			return types.NewTimestamp(t), true
		}
	case types.TypeDate:
		switch v.Kind {
		case types.TypeTimestamp:
			return types.NewDate(v.Timestamp), true
		case types.TypeString, types.TypeText:
			t, err := time.Parse("2006-01-02", v.Str)
			if err != nil {
				return types.Field{}, false
			}
			return types.NewDate(t), true
		}
	}
	return types.Field{}, false
}

// FuncName enumerates the built-in scalar functions.
type FuncName string

const (
	FuncAbs      FuncName = "ABS"
	FuncRound    FuncName = "ROUND"
	FuncLength   FuncName = "LENGTH"
	FuncUpper    FuncName = "UPPER"
	FuncLower    FuncName = "LOWER"
	FuncConcat   FuncName = "CONCAT"
	FuncCoalesce FuncName = "COALESCE"
)

// Call is a built-in scalar function call.
type Call struct {
	name FuncName
	args []Expression
	typ  types.FieldType
}

func NewCall(name FuncName, args []Expression) (*Call, error) {
	c := &Call{name: name, args: args}
	switch name {
	case FuncAbs:
		if len(args) != 1 || !numericAndNullType(args[0].ResultType()) {
			return nil, fmt.Errorf("%w: ABS takes one numeric argument", ErrTypeResolution)
		}
		c.typ = args[0].ResultType()
	case FuncRound:
		if len(args) < 1 || len(args) > 2 || !numericAndNullType(args[0].ResultType()) {
			return nil, fmt.Errorf("%w: ROUND takes a numeric argument and an optional scale", ErrTypeResolution)
		}
		c.typ = args[0].ResultType()
	case FuncLength:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: LENGTH takes one argument", ErrTypeResolution)
		}
		c.typ = types.TypeInt
	case FuncUpper, FuncLower:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes one string argument", ErrTypeResolution, name)
		}
		c.typ = types.TypeString
	case FuncConcat:
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: CONCAT takes at least one argument", ErrTypeResolution)
		}
		c.typ = types.TypeString
	case FuncCoalesce:
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: COALESCE takes at least one argument", ErrTypeResolution)
		}
		c.typ = types.TypeNull
		for _, a := range args {
			if t := a.ResultType(); t != types.TypeNull {
				c.typ = t
				break
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown function %s", ErrUnsupportedExpression, name)
	}
	return c, nil
}

func numericAndNullType(t types.FieldType) bool {
	return numericType(t) || t == types.TypeNull
}

func (c *Call) ResultType() types.FieldType { return c.typ }
func (c *Call) Nullable() bool              { return true }

func (c *Call) Evaluate(rec types.Record) (types.Field, error) {
	switch c.name {
	case FuncCoalesce:
		for _, a := range c.args {
			v, err := a.Evaluate(rec)
			if err != nil {
				return types.Field{}, err
			}
			if !v.IsNull() {
				return v, nil
			}
		}
		return types.NullField, nil
	case FuncConcat:
		var sb strings.Builder
		for _, a := range c.args {
			v, err := a.Evaluate(rec)
			if err != nil {
				return types.Field{}, err
			}
			if v.IsNull() {
				continue
			}
			sb.WriteString(v.String())
		}
		return types.NewString(sb.String()), nil
	}

	v, err := c.args[0].Evaluate(rec)
	if err != nil {
		return types.Field{}, err
	}
	if v.IsNull() {
		return types.NullField, nil
	}

	switch c.name {
	case FuncAbs:
		switch v.Kind {
		case types.TypeInt:
			if v.Int == math.MinInt64 {
				return types.Field{}, ErrArithmeticOverflow
			}
			if v.Int < 0 {
				return types.NewInt(-v.Int), nil
			}
			return v, nil
		case types.TypeUInt:
			return v, nil
		case types.TypeFloat:
			return types.NewFloat(math.Abs(v.Float)), nil
		case types.TypeDecimal:
			return types.NewDecimal(v.Decimal.Abs()), nil
		}
	case FuncRound:
		scale := int32(0)
		if len(c.args) == 2 {
			sv, err := c.args[1].Evaluate(rec)
			if err != nil {
				return types.Field{}, err
			}
			if !sv.IsNull() {
				scale = int32(toInt(sv))
			}
		}
		switch v.Kind {
		case types.TypeFloat:
			shift := math.Pow10(int(scale))
			return types.NewFloat(math.Round(v.Float*shift) / shift), nil
		case types.TypeDecimal:
			return types.NewDecimal(v.Decimal.Round(scale)), nil
		case types.TypeInt, types.TypeUInt:
			return v, nil
		}
	case FuncLength:
		switch v.Kind {
		case types.TypeString, types.TypeText:
			return types.NewInt(int64(len(v.Str))), nil
		case types.TypeBinary:
			return types.NewInt(int64(len(v.Binary))), nil
		}
	case FuncUpper:
		return types.NewString(strings.ToUpper(v.Str)), nil
	case FuncLower:
		return types.NewString(strings.ToLower(v.Str)), nil
	}
	return types.Field{}, fmt.Errorf("%w: %s over %s", ErrEval, c.name, v.Kind)
}
