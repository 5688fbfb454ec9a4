package types

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// FieldType is the declared static type of a column.
type FieldType uint8

const (
	TypeNull FieldType = iota
	TypeUInt
	TypeInt
	TypeU128
	TypeI128
	TypeFloat
	TypeBoolean
	TypeString
	TypeText
	TypeBinary
	TypeDecimal
	TypeTimestamp
	TypeDate
	TypeJSON
	TypePoint
	TypeDuration
)

func (t FieldType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeUInt:
		return "uint"
	case TypeInt:
		return "int"
	case TypeU128:
		return "u128"
	case TypeI128:
		return "i128"
	case TypeFloat:
		return "float"
	case TypeBoolean:
		return "boolean"
	case TypeString:
		return "string"
	case TypeText:
		return "text"
	case TypeBinary:
		return "binary"
	case TypeDecimal:
		return "decimal"
	case TypeTimestamp:
		return "timestamp"
	case TypeDate:
		return "date"
	case TypeJSON:
		return "json"
	case TypePoint:
		return "point"
	case TypeDuration:
		return "duration"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Uint128 is an unsigned 128-bit integer, big-endian limbs.
type Uint128 struct {
	Hi uint64
	Lo uint64
}

func (u Uint128) Cmp(o Uint128) int {
	if u.Hi != o.Hi {
		if u.Hi < o.Hi {
			return -1
		}
		return 1
	}
	if u.Lo != o.Lo {
		if u.Lo < o.Lo {
			return -1
		}
		return 1
	}
	return 0
}

// Int128 is a signed 128-bit integer, two's complement, big-endian limbs.
type Int128 struct {
	Hi int64
	Lo uint64
}

func (i Int128) Cmp(o Int128) int {
	if i.Hi != o.Hi {
		if i.Hi < o.Hi {
			return -1
		}
		return 1
	}
	if i.Lo != o.Lo {
		if i.Lo < o.Lo {
			return -1
		}
		return 1
	}
	return 0
}

// Point is a 2D point value.
type Point struct {
	X float64
	Y float64
}

// Field is a tagged value. Exactly the variant named by Kind is populated;
// the rest stay zero. Keep this struct flat, operators move a lot of them.
type Field struct {
	Kind FieldType

	Uint      uint64
	Int       int64
	U128      Uint128
	I128      Int128
	Float     float64
	Boolean   bool
	Str       string // String and Text
	Binary    []byte
	Decimal   decimal.Decimal
	Timestamp time.Time // Timestamp and Date
	JSON      JSONValue
	Point     Point
	Duration  time.Duration
}

var NullField = Field{Kind: TypeNull}

func NewUInt(v uint64) Field          { return Field{Kind: TypeUInt, Uint: v} }
func NewInt(v int64) Field            { return Field{Kind: TypeInt, Int: v} }
func NewU128(v Uint128) Field         { return Field{Kind: TypeU128, U128: v} }
func NewI128(v Int128) Field          { return Field{Kind: TypeI128, I128: v} }
func NewFloat(v float64) Field        { return Field{Kind: TypeFloat, Float: v} }
func NewBoolean(v bool) Field         { return Field{Kind: TypeBoolean, Boolean: v} }
func NewString(v string) Field        { return Field{Kind: TypeString, Str: v} }
func NewText(v string) Field          { return Field{Kind: TypeText, Str: v} }
func NewBinary(v []byte) Field        { return Field{Kind: TypeBinary, Binary: v} }
func NewDecimal(v decimal.Decimal) Field { return Field{Kind: TypeDecimal, Decimal: v} }
func NewTimestamp(v time.Time) Field  { return Field{Kind: TypeTimestamp, Timestamp: v.UTC()} }
func NewDate(v time.Time) Field       { return Field{Kind: TypeDate, Timestamp: v.UTC().Truncate(24 * time.Hour)} }
func NewJSON(v JSONValue) Field       { return Field{Kind: TypeJSON, JSON: v} }
func NewPoint(x, y float64) Field     { return Field{Kind: TypePoint, Point: Point{X: x, Y: y}} }
func NewDuration(v time.Duration) Field { return Field{Kind: TypeDuration, Duration: v} }

// IsNull reports whether the field holds the null value.
func (f Field) IsNull() bool { return f.Kind == TypeNull }

// Type returns the field's runtime type tag.
func (f Field) Type() FieldType { return f.Kind }

func (f Field) String() string {
	switch f.Kind {
	case TypeNull:
		return "NULL"
	case TypeUInt:
		return fmt.Sprintf("%d", f.Uint)
	case TypeInt:
		return fmt.Sprintf("%d", f.Int)
	case TypeU128:
		return fmt.Sprintf("u128(%d,%d)", f.U128.Hi, f.U128.Lo)
	case TypeI128:
		return fmt.Sprintf("i128(%d,%d)", f.I128.Hi, f.I128.Lo)
	case TypeFloat:
		return fmt.Sprintf("%g", f.Float)
	case TypeBoolean:
		return fmt.Sprintf("%t", f.Boolean)
	case TypeString, TypeText:
		return f.Str
	case TypeBinary:
		return fmt.Sprintf("0x%x", f.Binary)
	case TypeDecimal:
		return f.Decimal.String()
	case TypeTimestamp:
		return f.Timestamp.Format(time.RFC3339Nano)
	case TypeDate:
		return f.Timestamp.Format("2006-01-02")
	case TypeJSON:
		return f.JSON.String()
	case TypePoint:
		return fmt.Sprintf("(%g,%g)", f.Point.X, f.Point.Y)
	case TypeDuration:
		return f.Duration.String()
	default:
		return "invalid"
	}
}

// numericClass reports whether the type participates in numeric comparison and
// arithmetic promotion.
func numericClass(t FieldType) bool {
	switch t {
	case TypeUInt, TypeInt, TypeU128, TypeI128, TypeFloat, TypeDecimal:
		return true
	}
	return false
}

// Equal is strict structural equality used by operator state and tests. Unlike
// SQL comparison, NULL equals NULL here: state lookups need a total relation.
func (f Field) Equal(o Field) bool {
	if f.Kind != o.Kind {
		// Numeric values of different width still count as equal when they
		// represent the same number, so state built from mixed sources agrees.
		if numericClass(f.Kind) && numericClass(o.Kind) {
			c, err := f.Compare(o)
			return err == nil && c == 0
		}
		return false
	}
	switch f.Kind {
	case TypeNull:
		return true
	case TypeUInt:
		return f.Uint == o.Uint
	case TypeInt:
		return f.Int == o.Int
	case TypeU128:
		return f.U128 == o.U128
	case TypeI128:
		return f.I128 == o.I128
	case TypeFloat:
		return f.Float == o.Float
	case TypeBoolean:
		return f.Boolean == o.Boolean
	case TypeString, TypeText:
		return f.Str == o.Str
	case TypeBinary:
		return bytes.Equal(f.Binary, o.Binary)
	case TypeDecimal:
		return f.Decimal.Equal(o.Decimal)
	case TypeTimestamp, TypeDate:
		return f.Timestamp.Equal(o.Timestamp)
	case TypeJSON:
		return f.JSON.Equal(o.JSON)
	case TypePoint:
		return f.Point == o.Point
	case TypeDuration:
		return f.Duration == o.Duration
	}
	return false
}

// ErrIncomparable is returned by Compare for values outside a shared type class.
type ErrIncomparable struct {
	Left  FieldType
	Right FieldType
}

func (e ErrIncomparable) Error() string {
	return fmt.Sprintf("types: cannot compare %s with %s", e.Left, e.Right)
}

// Compare orders two non-null fields within a compatible type class. The
// caller is responsible for SQL null semantics; Compare treats NULL as the
// smallest value so state iteration has a total order.
func (f Field) Compare(o Field) (int, error) {
	if f.Kind == TypeNull || o.Kind == TypeNull {
		if f.Kind == o.Kind {
			return 0, nil
		}
		if f.Kind == TypeNull {
			return -1, nil
		}
		return 1, nil
	}

	if numericClass(f.Kind) && numericClass(o.Kind) {
		return compareNumeric(f, o), nil
	}

	switch {
	case (f.Kind == TypeString || f.Kind == TypeText) && (o.Kind == TypeString || o.Kind == TypeText):
		return bytes.Compare([]byte(f.Str), []byte(o.Str)), nil
	case f.Kind == TypeBoolean && o.Kind == TypeBoolean:
		switch {
		case f.Boolean == o.Boolean:
			return 0, nil
		case !f.Boolean:
			return -1, nil
		default:
			return 1, nil
		}
	case f.Kind == TypeBinary && o.Kind == TypeBinary:
		return bytes.Compare(f.Binary, o.Binary), nil
	case (f.Kind == TypeTimestamp || f.Kind == TypeDate) && (o.Kind == TypeTimestamp || o.Kind == TypeDate):
		return f.Timestamp.Compare(o.Timestamp), nil
	case f.Kind == TypeDuration && o.Kind == TypeDuration:
		switch {
		case f.Duration < o.Duration:
			return -1, nil
		case f.Duration > o.Duration:
			return 1, nil
		default:
			return 0, nil
		}
	}
	return 0, ErrIncomparable{Left: f.Kind, Right: o.Kind}
}

func compareNumeric(f, o Field) int {
	// Same-kind fast paths first, the general path goes through decimal.
	if f.Kind == o.Kind {
		switch f.Kind {
		case TypeUInt:
			switch {
			case f.Uint < o.Uint:
				return -1
			case f.Uint > o.Uint:
				return 1
			}
			return 0
		case TypeInt:
			switch {
			case f.Int < o.Int:
				return -1
			case f.Int > o.Int:
				return 1
			}
			return 0
		case TypeU128:
			return f.U128.Cmp(o.U128)
		case TypeI128:
			return f.I128.Cmp(o.I128)
		case TypeFloat:
			switch {
			case f.Float < o.Float:
				return -1
			case f.Float > o.Float:
				return 1
			}
			return 0
		case TypeDecimal:
			return f.Decimal.Cmp(o.Decimal)
		}
	}
	return f.asDecimal().Cmp(o.asDecimal())
}

func (f Field) asDecimal() decimal.Decimal {
	switch f.Kind {
	case TypeUInt:
		return decimal.NewFromUint64(f.Uint)
	case TypeInt:
		return decimal.NewFromInt(f.Int)
	case TypeU128:
		d := decimal.NewFromUint64(f.U128.Hi)
		d = d.Mul(two64)
		return d.Add(decimal.NewFromUint64(f.U128.Lo))
	case TypeI128:
		d := decimal.NewFromInt(f.I128.Hi)
		d = d.Mul(two64)
		return d.Add(decimal.NewFromUint64(f.I128.Lo))
	case TypeFloat:
		return decimal.NewFromFloat(f.Float)
	case TypeDecimal:
		return f.Decimal
	}
	return decimal.Decimal{}
}

var two64 = decimal.NewFromUint64(math.MaxUint64).Add(decimal.NewFromInt(1))
