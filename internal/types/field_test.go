package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldCompareNumericAcrossKinds(t *testing.T) {
	cases := []struct {
		a, b Field
		want int
	}{
		{NewInt(1), NewInt(2), -1},
		{NewInt(2), NewInt(2), 0},
		{NewUInt(3), NewInt(2), 1},
		{NewFloat(1.5), NewInt(2), -1},
		{NewDecimal(decimal.RequireFromString("2.00")), NewInt(2), 0},
		{NewUInt(5), NewFloat(4.9), 1},
	}
	for _, tc := range cases {
		got, err := tc.a.Compare(tc.b)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%v vs %v", tc.a, tc.b)
	}
}

func TestFieldCompareIncompatible(t *testing.T) {
	_, err := NewString("a").Compare(NewInt(1))
	require.Error(t, err)
	assert.ErrorAs(t, err, &ErrIncomparable{})
}

func TestFieldEqualNull(t *testing.T) {
	// Structural equality treats NULL as equal to itself; SQL three-valued
	// comparison lives in the expression evaluator.
	assert.True(t, NullField.Equal(NullField))
	assert.False(t, NullField.Equal(NewInt(0)))
}

func TestFieldEqualMixedNumeric(t *testing.T) {
	assert.True(t, NewInt(7).Equal(NewUInt(7)))
	assert.False(t, NewInt(7).Equal(NewUInt(8)))
}

func TestUint128Ordering(t *testing.T) {
	small := Uint128{Hi: 0, Lo: ^uint64(0)}
	big := Uint128{Hi: 1, Lo: 0}
	assert.Equal(t, -1, small.Cmp(big))
	assert.Equal(t, 1, big.Cmp(small))
	assert.Equal(t, 0, big.Cmp(big))
}

func TestSchemaValidate(t *testing.T) {
	_, err := NewSchema([]FieldDefinition{
		{Name: "id", Type: TypeInt},
		{Name: "id", Type: TypeString},
	}, nil)
	assert.ErrorIs(t, err, ErrDuplicateColumn)

	_, err = NewSchema([]FieldDefinition{{Name: "id", Type: TypeInt}}, []int{3})
	assert.ErrorIs(t, err, ErrInvalidPrimaryKey)

	_, err = NewSchema([]FieldDefinition{{Name: "id", Type: TypeInt, Nullable: true}}, []int{0})
	assert.ErrorIs(t, err, ErrInvalidPrimaryKey)

	s, err := NewSchema([]FieldDefinition{
		{Name: "id", Type: TypeInt},
		{Name: "v", Type: TypeString, Nullable: true},
	}, []int{0})
	require.NoError(t, err)
	assert.Equal(t, 1, s.FieldIndex("v"))
	assert.Equal(t, -1, s.FieldIndex("missing"))
}

func TestRecordCheck(t *testing.T) {
	s, err := NewSchema([]FieldDefinition{
		{Name: "id", Type: TypeInt},
		{Name: "v", Type: TypeString, Nullable: true},
	}, []int{0})
	require.NoError(t, err)

	require.NoError(t, Record{NewInt(1), NewString("x")}.Check(s))
	require.NoError(t, Record{NewInt(1), NullField}.Check(s))
	assert.ErrorIs(t, Record{NewInt(1)}.Check(s), ErrSchemaMismatch)
	assert.ErrorIs(t, Record{NullField, NewString("x")}.Check(s), ErrSchemaMismatch)
	assert.ErrorIs(t, Record{NewInt(1), NewInt(2)}.Check(s), ErrSchemaMismatch)
}

func TestRecordPrimaryKey(t *testing.T) {
	s, err := NewSchema([]FieldDefinition{
		{Name: "a", Type: TypeInt},
		{Name: "b", Type: TypeString},
	}, []int{1, 0})
	require.NoError(t, err)

	key := Record{NewInt(1), NewString("x")}.PrimaryKey(s)
	require.Len(t, key, 2)
	assert.True(t, key[0].Equal(NewString("x")))
	assert.True(t, key[1].Equal(NewInt(1)))
}

func TestOpIdentifierOrdering(t *testing.T) {
	a := OpIdentifier{TxID: 1, SeqInTx: 5}
	b := OpIdentifier{TxID: 2, SeqInTx: 0}
	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 0, a.Cmp(a))
	assert.Equal(t, -1, OpIdentifier{TxID: 1, SeqInTx: 4}.Cmp(a))
}

func TestEpochMergeKeepsHighWatermark(t *testing.T) {
	e := Epoch{ID: 3, SourcePositions: map[string]OpIdentifier{
		"a": {TxID: 5},
	}}
	e.Merge(Epoch{ID: 3, SourcePositions: map[string]OpIdentifier{
		"a": {TxID: 4},
		"b": {TxID: 9},
	}})
	assert.Equal(t, OpIdentifier{TxID: 5}, e.SourcePositions["a"])
	assert.Equal(t, OpIdentifier{TxID: 9}, e.SourcePositions["b"])
}

func TestTimestampFieldsNormalizeToUTC(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	f := NewTimestamp(time.Date(2024, 1, 1, 1, 0, 0, 0, loc))
	assert.Equal(t, time.UTC, f.Timestamp.Location())
	assert.Equal(t, 0, f.Timestamp.Hour())
}
