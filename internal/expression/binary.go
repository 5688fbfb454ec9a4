package expression

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/tarungka/reflow/internal/types"
)

// BinaryOp enumerates the binary operators.
type BinaryOp uint8

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpAnd
	OpOr
)

func (o BinaryOp) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpMod:
		return "%"
	case OpEq:
		return "="
	case OpNeq:
		return "!="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	}
	return "?"
}

func (o BinaryOp) isComparison() bool { return o >= OpEq && o <= OpGte }
func (o BinaryOp) isLogical() bool    { return o == OpAnd || o == OpOr }

// Binary applies a binary operator. The result type follows the
// widest-operand promotion ladder Int -> Float -> Decimal.
type Binary struct {
	op   BinaryOp
	l, r Expression
	typ  types.FieldType
}

func NewBinary(op BinaryOp, l, r Expression) (*Binary, error) {
	typ, err := resolveBinaryType(op, l.ResultType(), r.ResultType())
	if err != nil {
		return nil, err
	}
	return &Binary{op: op, l: l, r: r, typ: typ}, nil
}

func resolveBinaryType(op BinaryOp, lt, rt types.FieldType) (types.FieldType, error) {
	if op.isLogical() {
		if (lt != types.TypeBoolean && lt != types.TypeNull) || (rt != types.TypeBoolean && rt != types.TypeNull) {
			return 0, fmt.Errorf("%w: %s requires boolean operands, got %s and %s", ErrTypeResolution, op, lt, rt)
		}
		return types.TypeBoolean, nil
	}
	if op.isComparison() {
		if !comparableTypes(lt, rt) {
			return 0, fmt.Errorf("%w: cannot compare %s with %s", ErrTypeResolution, lt, rt)
		}
		return types.TypeBoolean, nil
	}

	// Temporal arithmetic first.
	switch {
	case lt == types.TypeTimestamp && rt == types.TypeDuration && (op == OpAdd || op == OpSub):
		return types.TypeTimestamp, nil
	case lt == types.TypeDuration && rt == types.TypeTimestamp && op == OpAdd:
		return types.TypeTimestamp, nil
	case lt == types.TypeTimestamp && rt == types.TypeTimestamp && op == OpSub:
		return types.TypeDuration, nil
	case lt == types.TypeDuration && rt == types.TypeDuration && (op == OpAdd || op == OpSub):
		return types.TypeDuration, nil
	}

	if !numericType(lt) && lt != types.TypeNull {
		return 0, fmt.Errorf("%w: %s is not numeric", ErrTypeResolution, lt)
	}
	if !numericType(rt) && rt != types.TypeNull {
		return 0, fmt.Errorf("%w: %s is not numeric", ErrTypeResolution, rt)
	}
	return promote(op, lt, rt), nil
}

func numericType(t types.FieldType) bool {
	switch t {
	case types.TypeUInt, types.TypeInt, types.TypeU128, types.TypeI128, types.TypeFloat, types.TypeDecimal:
		return true
	}
	return false
}

func comparableTypes(lt, rt types.FieldType) bool {
	if lt == types.TypeNull || rt == types.TypeNull {
		return true
	}
	if numericType(lt) && numericType(rt) {
		return true
	}
	stringy := func(t types.FieldType) bool { return t == types.TypeString || t == types.TypeText }
	temporal := func(t types.FieldType) bool { return t == types.TypeTimestamp || t == types.TypeDate }
	switch {
	case stringy(lt) && stringy(rt):
		return true
	case temporal(lt) && temporal(rt):
		return true
	case lt == rt:
		// boolean, binary and duration compare within their own kind; point
		// and json are not comparable
		return lt == types.TypeBoolean || lt == types.TypeBinary || lt == types.TypeDuration
	}
	return false
}

func promote(op BinaryOp, lt, rt types.FieldType) types.FieldType {
	wide := func(t types.FieldType) int {
		switch t {
		case types.TypeDecimal, types.TypeU128, types.TypeI128:
			return 3
		case types.TypeFloat:
			return 2
		default:
			return 1
		}
	}
	w := wide(lt)
	if wide(rt) > w {
		w = wide(rt)
	}
	switch {
	case w == 3:
		return types.TypeDecimal
	case w == 2 || op == OpDiv:
		// Integer division goes through float; exact division stays decimal.
		return types.TypeFloat
	case lt == types.TypeUInt && rt == types.TypeUInt && op != OpSub:
		return types.TypeUInt
	default:
		return types.TypeInt
	}
}

func (b *Binary) ResultType() types.FieldType { return b.typ }
func (b *Binary) Nullable() bool              { return true }

func (b *Binary) Evaluate(rec types.Record) (types.Field, error) {
	l, err := b.l.Evaluate(rec)
	if err != nil {
		return types.Field{}, err
	}

	if b.op.isLogical() {
		return b.evalLogical(l, rec)
	}

	r, err := b.r.Evaluate(rec)
	if err != nil {
		return types.Field{}, err
	}
	if l.IsNull() || r.IsNull() {
		return types.NullField, nil
	}

	if b.op.isComparison() {
		c, err := l.Compare(r)
		if err != nil {
			return types.Field{}, fmt.Errorf("%w: %v", ErrEval, err)
		}
		var res bool
		switch b.op {
		case OpEq:
			res = c == 0
		case OpNeq:
			res = c != 0
		case OpLt:
			res = c < 0
		case OpLte:
			res = c <= 0
		case OpGt:
			res = c > 0
		case OpGte:
			res = c >= 0
		}
		return types.NewBoolean(res), nil
	}

	return evalArithmetic(b.op, b.typ, l, r)
}

// evalLogical implements Kleene three-valued AND/OR with short circuit.
func (b *Binary) evalLogical(l types.Field, rec types.Record) (types.Field, error) {
	if b.op == OpAnd {
		if l.Kind == types.TypeBoolean && !l.Boolean {
			return types.NewBoolean(false), nil
		}
	} else {
		if l.Kind == types.TypeBoolean && l.Boolean {
			return types.NewBoolean(true), nil
		}
	}
	r, err := b.r.Evaluate(rec)
	if err != nil {
		return types.Field{}, err
	}
	if b.op == OpAnd {
		switch {
		case r.Kind == types.TypeBoolean && !r.Boolean:
			return types.NewBoolean(false), nil
		case l.IsNull() || r.IsNull():
			return types.NullField, nil
		default:
			return types.NewBoolean(l.Boolean && r.Boolean), nil
		}
	}
	switch {
	case r.Kind == types.TypeBoolean && r.Boolean:
		return types.NewBoolean(true), nil
	case l.IsNull() || r.IsNull():
		return types.NullField, nil
	default:
		return types.NewBoolean(l.Boolean || r.Boolean), nil
	}
}

func evalArithmetic(op BinaryOp, typ types.FieldType, l, r types.Field) (types.Field, error) {
	// Temporal paths.
	switch {
	case l.Kind == types.TypeTimestamp && r.Kind == types.TypeDuration:
		if op == OpAdd {
			return types.NewTimestamp(l.Timestamp.Add(r.Duration)), nil
		}
		return types.NewTimestamp(l.Timestamp.Add(-r.Duration)), nil
	case l.Kind == types.TypeDuration && r.Kind == types.TypeTimestamp:
		return types.NewTimestamp(r.Timestamp.Add(l.Duration)), nil
	case l.Kind == types.TypeTimestamp && r.Kind == types.TypeTimestamp:
		return types.NewDuration(l.Timestamp.Sub(r.Timestamp)), nil
	case l.Kind == types.TypeDuration && r.Kind == types.TypeDuration:
		if op == OpAdd {
			return types.NewDuration(l.Duration + r.Duration), nil
		}
		return types.NewDuration(l.Duration - r.Duration), nil
	}

	switch typ {
	case types.TypeDecimal:
		ld, rd := toDecimal(l), toDecimal(r)
		switch op {
		case OpAdd:
			return types.NewDecimal(ld.Add(rd)), nil
		case OpSub:
			return types.NewDecimal(ld.Sub(rd)), nil
		case OpMul:
			return types.NewDecimal(ld.Mul(rd)), nil
		case OpDiv:
			if rd.IsZero() {
				return types.Field{}, fmt.Errorf("%w: division by zero", ErrEval)
			}
			return types.NewDecimal(ld.Div(rd)), nil
		case OpMod:
			if rd.IsZero() {
				return types.Field{}, fmt.Errorf("%w: division by zero", ErrEval)
			}
			return types.NewDecimal(ld.Mod(rd)), nil
		}
	case types.TypeFloat:
		lf, rf := toFloat(l), toFloat(r)
		switch op {
		case OpAdd:
			return types.NewFloat(lf + rf), nil
		case OpSub:
			return types.NewFloat(lf - rf), nil
		case OpMul:
			return types.NewFloat(lf * rf), nil
		case OpDiv:
			if rf == 0 {
				return types.Field{}, fmt.Errorf("%w: division by zero", ErrEval)
			}
			return types.NewFloat(lf / rf), nil
		case OpMod:
			if rf == 0 {
				return types.Field{}, fmt.Errorf("%w: division by zero", ErrEval)
			}
			return types.NewFloat(math.Mod(lf, rf)), nil
		}
	case types.TypeUInt:
		lu, ru := l.Uint, r.Uint
		switch op {
		case OpAdd:
			s := lu + ru
			if s < lu {
				return types.Field{}, ErrArithmeticOverflow
			}
			return types.NewUInt(s), nil
		case OpMul:
			if lu != 0 && ru > math.MaxUint64/lu {
				return types.Field{}, ErrArithmeticOverflow
			}
			return types.NewUInt(lu * ru), nil
		case OpMod:
			if ru == 0 {
				return types.Field{}, fmt.Errorf("%w: division by zero", ErrEval)
			}
			return types.NewUInt(lu % ru), nil
		}
	case types.TypeInt:
		li, ri := toInt(l), toInt(r)
		switch op {
		case OpAdd:
			s := li + ri
			if (li > 0 && ri > 0 && s < 0) || (li < 0 && ri < 0 && s >= 0) {
				return types.Field{}, ErrArithmeticOverflow
			}
			return types.NewInt(s), nil
		case OpSub:
			s := li - ri
			if (li >= 0 && ri < 0 && s < 0) || (li < 0 && ri > 0 && s > 0) {
				return types.Field{}, ErrArithmeticOverflow
			}
			return types.NewInt(s), nil
		case OpMul:
			if li != 0 && ri != 0 {
				s := li * ri
				if s/ri != li {
					return types.Field{}, ErrArithmeticOverflow
				}
				return types.NewInt(s), nil
			}
			return types.NewInt(0), nil
		case OpMod:
			if ri == 0 {
				return types.Field{}, fmt.Errorf("%w: division by zero", ErrEval)
			}
			return types.NewInt(li % ri), nil
		}
	}
	return types.Field{}, fmt.Errorf("%w: %s over %s and %s", ErrEval, op, l.Kind, r.Kind)
}

func toDecimal(f types.Field) decimal.Decimal {
	switch f.Kind {
	case types.TypeDecimal:
		return f.Decimal
	case types.TypeUInt:
		return decimal.NewFromUint64(f.Uint)
	case types.TypeInt:
		return decimal.NewFromInt(f.Int)
	case types.TypeFloat:
		return decimal.NewFromFloat(f.Float)
	case types.TypeU128:
		return decimal.NewFromUint64(f.U128.Hi).Mul(two64).Add(decimal.NewFromUint64(f.U128.Lo))
	case types.TypeI128:
		return decimal.NewFromInt(f.I128.Hi).Mul(two64).Add(decimal.NewFromUint64(f.I128.Lo))
	}
	return decimal.Decimal{}
}

var two64 = decimal.NewFromUint64(math.MaxUint64).Add(decimal.NewFromInt(1))

func toFloat(f types.Field) float64 {
	switch f.Kind {
	case types.TypeFloat:
		return f.Float
	case types.TypeUInt:
		return float64(f.Uint)
	case types.TypeInt:
		return float64(f.Int)
	case types.TypeDecimal:
		v, _ := f.Decimal.Float64()
		return v
	}
	return 0
}

func toInt(f types.Field) int64 {
	switch f.Kind {
	case types.TypeInt:
		return f.Int
	case types.TypeUInt:
		return int64(f.Uint)
	}
	return 0
}

// UnaryOp enumerates the unary operators.
type UnaryOp uint8

const (
	OpNeg UnaryOp = iota
	OpNot
)

// Unary applies negation or logical NOT.
type Unary struct {
	op  UnaryOp
	arg Expression
	typ types.FieldType
}

func NewUnary(op UnaryOp, arg Expression) (*Unary, error) {
	at := arg.ResultType()
	switch op {
	case OpNeg:
		if !numericType(at) && at != types.TypeDuration && at != types.TypeNull {
			return nil, fmt.Errorf("%w: cannot negate %s", ErrTypeResolution, at)
		}
		typ := at
		if at == types.TypeUInt {
			typ = types.TypeInt
		}
		return &Unary{op: op, arg: arg, typ: typ}, nil
	case OpNot:
		if at != types.TypeBoolean && at != types.TypeNull {
			return nil, fmt.Errorf("%w: NOT requires boolean, got %s", ErrTypeResolution, at)
		}
		return &Unary{op: op, arg: arg, typ: types.TypeBoolean}, nil
	}
	return nil, fmt.Errorf("%w: unknown unary operator", ErrUnsupportedExpression)
}

func (u *Unary) Evaluate(rec types.Record) (types.Field, error) {
	v, err := u.arg.Evaluate(rec)
	if err != nil {
		return types.Field{}, err
	}
	if v.IsNull() {
		return types.NullField, nil
	}
	switch u.op {
	case OpNot:
		return types.NewBoolean(!v.Boolean), nil
	case OpNeg:
		switch v.Kind {
		case types.TypeInt:
			if v.Int == math.MinInt64 {
				return types.Field{}, ErrArithmeticOverflow
			}
			return types.NewInt(-v.Int), nil
		case types.TypeUInt:
			if v.Uint > math.MaxInt64 {
				return types.Field{}, ErrArithmeticOverflow
			}
			return types.NewInt(-int64(v.Uint)), nil
		case types.TypeFloat:
			return types.NewFloat(-v.Float), nil
		case types.TypeDecimal:
			return types.NewDecimal(v.Decimal.Neg()), nil
		case types.TypeDuration:
			return types.NewDuration(-v.Duration), nil
		}
	}
	return types.Field{}, fmt.Errorf("%w: unary %d over %s", ErrEval, u.op, v.Kind)
}

func (u *Unary) ResultType() types.FieldType { return u.typ }
func (u *Unary) Nullable() bool              { return true }
