package expression

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/reflow/internal/types"
)

func testSchema(t *testing.T) types.Schema {
	t.Helper()
	s, err := types.NewSchema([]types.FieldDefinition{
		{Name: "id", Type: types.TypeInt},
		{Name: "name", Type: types.TypeString, Nullable: true},
		{Name: "score", Type: types.TypeFloat, Nullable: true},
		{Name: "price", Type: types.TypeDecimal, Nullable: true},
	}, []int{0})
	require.NoError(t, err)
	return s
}

func mustBinary(t *testing.T, op BinaryOp, l, r Expression) Expression {
	t.Helper()
	e, err := NewBinary(op, l, r)
	require.NoError(t, err)
	return e
}

func lit(f types.Field) Expression { return NewLiteral(f) }

func TestArithmeticPromotion(t *testing.T) {
	// Int + Int stays Int, anything with Float widens to Float, anything
	// with Decimal widens to Decimal, division always leaves the integers.
	cases := []struct {
		op   BinaryOp
		l, r types.Field
		want types.FieldType
	}{
		{OpAdd, types.NewInt(1), types.NewInt(2), types.TypeInt},
		{OpAdd, types.NewInt(1), types.NewFloat(2), types.TypeFloat},
		{OpAdd, types.NewFloat(1), types.NewDecimal(decimal.New(1, 0)), types.TypeDecimal},
		{OpDiv, types.NewInt(1), types.NewInt(2), types.TypeFloat},
		{OpMul, types.NewUInt(2), types.NewUInt(3), types.TypeUInt},
	}
	for _, tc := range cases {
		e := mustBinary(t, tc.op, lit(tc.l), lit(tc.r))
		assert.Equal(t, tc.want, e.ResultType(), "%v %s %v", tc.l, tc.op, tc.r)
	}
}

func TestArithmeticEvaluation(t *testing.T) {
	e := mustBinary(t, OpAdd, lit(types.NewInt(40)), lit(types.NewInt(2)))
	v, err := e.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.Equal(types.NewInt(42)))

	e = mustBinary(t, OpDiv, lit(types.NewInt(1)), lit(types.NewInt(4)))
	v, err = e.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.Equal(types.NewFloat(0.25)))

	e = mustBinary(t, OpMul, lit(types.NewDecimal(decimal.RequireFromString("1.5"))), lit(types.NewInt(4)))
	v, err = e.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.Equal(types.NewDecimal(decimal.RequireFromString("6"))))
}

func TestArithmeticOverflow(t *testing.T) {
	e := mustBinary(t, OpAdd, lit(types.NewInt(1<<62)), lit(types.NewInt(1<<62)))
	_, err := e.Evaluate(nil)
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	e = mustBinary(t, OpMul, lit(types.NewUInt(1<<63)), lit(types.NewUInt(2)))
	_, err = e.Evaluate(nil)
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	neg, err := NewUnary(OpNeg, lit(types.NewInt(-1<<63)))
	require.NoError(t, err)
	_, err = neg.Evaluate(nil)
	assert.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestNullPropagation(t *testing.T) {
	e := mustBinary(t, OpAdd, lit(types.NullField), lit(types.NewInt(1)))
	v, err := e.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	e = mustBinary(t, OpEq, lit(types.NullField), lit(types.NullField))
	v, err = e.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull(), "NULL = NULL is unknown, not true")
}

func TestThreeValuedLogic(t *testing.T) {
	tru := lit(types.NewBoolean(true))
	fls := lit(types.NewBoolean(false))
	unk := lit(types.NullField)

	// Kleene AND
	for _, tc := range []struct {
		l, r Expression
		null bool
		want bool
	}{
		{fls, unk, false, false},
		{unk, fls, false, false},
		{tru, unk, true, false},
		{unk, tru, true, false},
		{tru, tru, false, true},
	} {
		v, err := mustBinary(t, OpAnd, tc.l, tc.r).Evaluate(nil)
		require.NoError(t, err)
		if tc.null {
			assert.True(t, v.IsNull())
		} else {
			assert.Equal(t, tc.want, v.Boolean)
		}
	}

	// Kleene OR
	v, err := mustBinary(t, OpOr, tru, unk).Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.Boolean)
	v, err = mustBinary(t, OpOr, fls, unk).Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestColumnEvaluation(t *testing.T) {
	schema := testSchema(t)
	col, err := NewColumnByName(schema, "name")
	require.NoError(t, err)

	rec := types.Record{types.NewInt(1), types.NewString("alice"), types.NullField, types.NullField}
	v, err := col.Evaluate(rec)
	require.NoError(t, err)
	assert.Equal(t, "alice", v.Str)

	_, err = NewColumnByName(schema, "missing")
	assert.ErrorIs(t, err, ErrTypeResolution)
}

func TestLike(t *testing.T) {
	cases := []struct {
		pattern, input string
		want           bool
	}{
		{"a%", "abc", true},
		{"a%", "xbc", false},
		{"_b_", "abc", true},
		{"_b_", "abcd", false},
		{"100\\%", "100%", true},
		{"100\\%", "100x", false},
		{"%", "", true},
		{"a_c%", "abcde", true},
	}
	for _, tc := range cases {
		e, err := NewLike(lit(types.NewString(tc.input)), tc.pattern, false)
		require.NoError(t, err)
		v, err := e.Evaluate(nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, v.Boolean, "%q LIKE %q", tc.input, tc.pattern)
	}

	e, err := NewLike(lit(types.NullField), "a%", false)
	require.NoError(t, err)
	v, err := e.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestInThreeValued(t *testing.T) {
	in, err := NewIn(lit(types.NewInt(2)), []Expression{lit(types.NewInt(1)), lit(types.NewInt(2))}, false)
	require.NoError(t, err)
	v, err := in.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.Boolean)

	// no match but a NULL in the list: unknown
	in, err = NewIn(lit(types.NewInt(3)), []Expression{lit(types.NewInt(1)), lit(types.NullField)}, false)
	require.NoError(t, err)
	v, err = in.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	in, err = NewIn(lit(types.NewInt(3)), []Expression{lit(types.NewInt(1))}, false)
	require.NoError(t, err)
	v, err = in.Evaluate(nil)
	require.NoError(t, err)
	assert.False(t, v.Boolean)
}

func TestCase(t *testing.T) {
	c, err := NewCase([]When{
		{Cond: mustBinary(t, OpGt, lit(types.NewInt(5)), lit(types.NewInt(3))), Then: lit(types.NewString("big"))},
	}, lit(types.NewString("small")))
	require.NoError(t, err)
	v, err := c.Evaluate(nil)
	require.NoError(t, err)
	assert.Equal(t, "big", v.Str)

	c, err = NewCase([]When{
		{Cond: lit(types.NullField), Then: lit(types.NewString("x"))},
	}, nil)
	require.NoError(t, err)
	v, err = c.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull(), "unknown conditions fall through to the absent ELSE")
}

func TestCast(t *testing.T) {
	c, err := NewCast(lit(types.NewString("123")), types.TypeInt)
	require.NoError(t, err)
	v, err := c.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.Equal(types.NewInt(123)))

	c, err = NewCast(lit(types.NewString("abc")), types.TypeInt)
	require.NoError(t, err)
	_, err = c.Evaluate(nil)
	var castErr *CastError
	assert.ErrorAs(t, err, &castErr)

	c, err = NewCast(lit(types.NullField), types.TypeInt)
	require.NoError(t, err)
	v, err = c.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestIsNull(t *testing.T) {
	v, err := NewIsNull(lit(types.NullField), false).Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.Boolean)

	v, err = NewIsNull(lit(types.NewInt(1)), true).Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.Boolean)
}

func TestFunctions(t *testing.T) {
	abs, err := NewCall(FuncAbs, []Expression{lit(types.NewInt(-5))})
	require.NoError(t, err)
	v, err := abs.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.Equal(types.NewInt(5)))

	upper, err := NewCall(FuncUpper, []Expression{lit(types.NewString("abc"))})
	require.NoError(t, err)
	v, err = upper.Evaluate(nil)
	require.NoError(t, err)
	assert.Equal(t, "ABC", v.Str)

	concat, err := NewCall(FuncConcat, []Expression{lit(types.NewString("a")), lit(types.NullField), lit(types.NewInt(1))})
	require.NoError(t, err)
	v, err = concat.Evaluate(nil)
	require.NoError(t, err)
	assert.Equal(t, "a1", v.Str)

	coalesce, err := NewCall(FuncCoalesce, []Expression{lit(types.NullField), lit(types.NewInt(9))})
	require.NoError(t, err)
	v, err = coalesce.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.Equal(types.NewInt(9)))

	round, err := NewCall(FuncRound, []Expression{lit(types.NewFloat(2.567)), lit(types.NewInt(1))})
	require.NoError(t, err)
	v, err = round.Evaluate(nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.6, v.Float, 1e-9)
}

func TestTypeResolutionErrors(t *testing.T) {
	_, err := NewBinary(OpAdd, lit(types.NewString("a")), lit(types.NewInt(1)))
	assert.ErrorIs(t, err, ErrTypeResolution)

	_, err = NewBinary(OpAnd, lit(types.NewInt(1)), lit(types.NewBoolean(true)))
	assert.ErrorIs(t, err, ErrTypeResolution)

	_, err = NewUnary(OpNot, lit(types.NewInt(1)))
	assert.ErrorIs(t, err, ErrTypeResolution)
}
