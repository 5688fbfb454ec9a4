// Package encoding implements the fixed, endian-stable binary formats used by
// operator state, the checkpoint store and the operation log. All integers are
// big-endian; variable-length payloads are length-prefixed. Encoded keys
// preserve ordering for the scalar type classes so byte-wise iteration of a
// state store visits numeric and temporal keys in value order.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarungka/reflow/internal/types"
)

var (
	ErrBadFormat     = errors.New("encoding: malformed payload")
	ErrSchemaVersion = errors.New("encoding: schema id mismatch")
)

const (
	// maxStringLen bounds decoded variable-length payloads as a corruption
	// guard.
	maxStringLen = 16 * 1024 * 1024
)

// EncodeRecord serializes a record with the schema id prefixed so migrations
// can be detected on restore.
func EncodeRecord(schemaID uint32, r types.Record) []byte {
	buf := make([]byte, 0, 16+len(r)*12)
	buf = binary.BigEndian.AppendUint32(buf, schemaID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r)))
	for _, f := range r {
		buf = appendField(buf, f)
	}
	return buf
}

// DecodeRecord deserializes a record, verifying the schema id prefix.
func DecodeRecord(schemaID uint32, data []byte) (types.Record, error) {
	if len(data) < 6 {
		return nil, ErrBadFormat
	}
	gotID := binary.BigEndian.Uint32(data)
	if gotID != schemaID {
		return nil, fmt.Errorf("%w: stored %d, expected %d", ErrSchemaVersion, gotID, schemaID)
	}
	count := int(binary.BigEndian.Uint16(data[4:]))
	rest := data[6:]

	rec := make(types.Record, count)
	var err error
	for i := 0; i < count; i++ {
		rec[i], rest, err = decodeField(rest)
		if err != nil {
			return nil, err
		}
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadFormat, len(rest))
	}
	return rec, nil
}

// EncodeKey serializes a sequence of fields into a deterministic byte key.
// NULL encodes as its own tag, so it hashes to a distinct bucket as grouping
// semantics require.
func EncodeKey(fields []types.Field) []byte {
	buf := make([]byte, 0, len(fields)*12)
	for _, f := range fields {
		buf = appendField(buf, f)
	}
	return buf
}

// DecodeKey is the inverse of EncodeKey given the number of fields.
func DecodeKey(data []byte, count int) ([]types.Field, error) {
	fields := make([]types.Field, count)
	var err error
	for i := 0; i < count; i++ {
		fields[i], data, err = decodeField(data)
		if err != nil {
			return nil, err
		}
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadFormat, len(data))
	}
	return fields, nil
}

func appendField(buf []byte, f types.Field) []byte {
	buf = append(buf, byte(f.Kind))
	switch f.Kind {
	case types.TypeNull:
	case types.TypeUInt:
		buf = binary.BigEndian.AppendUint64(buf, f.Uint)
	case types.TypeInt:
		buf = binary.BigEndian.AppendUint64(buf, orderInt64(f.Int))
	case types.TypeU128:
		buf = binary.BigEndian.AppendUint64(buf, f.U128.Hi)
		buf = binary.BigEndian.AppendUint64(buf, f.U128.Lo)
	case types.TypeI128:
		buf = binary.BigEndian.AppendUint64(buf, orderInt64(f.I128.Hi))
		buf = binary.BigEndian.AppendUint64(buf, f.I128.Lo)
	case types.TypeFloat:
		buf = binary.BigEndian.AppendUint64(buf, orderFloat64(f.Float))
	case types.TypeBoolean:
		if f.Boolean {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case types.TypeString, types.TypeText:
		buf = appendBytes(buf, []byte(f.Str))
	case types.TypeBinary:
		buf = appendBytes(buf, f.Binary)
	case types.TypeDecimal:
		buf = appendBytes(buf, []byte(f.Decimal.String()))
	case types.TypeTimestamp, types.TypeDate:
		buf = binary.BigEndian.AppendUint64(buf, orderInt64(f.Timestamp.UnixNano()))
	case types.TypeJSON:
		buf = appendBytes(buf, []byte(f.JSON.String()))
	case types.TypePoint:
		buf = binary.BigEndian.AppendUint64(buf, orderFloat64(f.Point.X))
		buf = binary.BigEndian.AppendUint64(buf, orderFloat64(f.Point.Y))
	case types.TypeDuration:
		buf = binary.BigEndian.AppendUint64(buf, orderInt64(int64(f.Duration)))
	}
	return buf
}

func decodeField(data []byte) (types.Field, []byte, error) {
	if len(data) < 1 {
		return types.Field{}, nil, ErrBadFormat
	}
	kind := types.FieldType(data[0])
	data = data[1:]

	need := func(n int) error {
		if len(data) < n {
			return ErrBadFormat
		}
		return nil
	}

	switch kind {
	case types.TypeNull:
		return types.NullField, data, nil
	case types.TypeUInt:
		if err := need(8); err != nil {
			return types.Field{}, nil, err
		}
		return types.NewUInt(binary.BigEndian.Uint64(data)), data[8:], nil
	case types.TypeInt:
		if err := need(8); err != nil {
			return types.Field{}, nil, err
		}
		return types.NewInt(unorderInt64(binary.BigEndian.Uint64(data))), data[8:], nil
	case types.TypeU128:
		if err := need(16); err != nil {
			return types.Field{}, nil, err
		}
		return types.NewU128(types.Uint128{
			Hi: binary.BigEndian.Uint64(data),
			Lo: binary.BigEndian.Uint64(data[8:]),
		}), data[16:], nil
	case types.TypeI128:
		if err := need(16); err != nil {
			return types.Field{}, nil, err
		}
		return types.NewI128(types.Int128{
			Hi: unorderInt64(binary.BigEndian.Uint64(data)),
			Lo: binary.BigEndian.Uint64(data[8:]),
		}), data[16:], nil
	case types.TypeFloat:
		if err := need(8); err != nil {
			return types.Field{}, nil, err
		}
		return types.NewFloat(unorderFloat64(binary.BigEndian.Uint64(data))), data[8:], nil
	case types.TypeBoolean:
		if err := need(1); err != nil {
			return types.Field{}, nil, err
		}
		return types.NewBoolean(data[0] == 1), data[1:], nil
	case types.TypeString, types.TypeText:
		b, rest, err := readBytes(data)
		if err != nil {
			return types.Field{}, nil, err
		}
		if kind == types.TypeText {
			return types.NewText(string(b)), rest, nil
		}
		return types.NewString(string(b)), rest, nil
	case types.TypeBinary:
		b, rest, err := readBytes(data)
		if err != nil {
			return types.Field{}, nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return types.NewBinary(out), rest, nil
	case types.TypeDecimal:
		b, rest, err := readBytes(data)
		if err != nil {
			return types.Field{}, nil, err
		}
		d, err := decimal.NewFromString(string(b))
		if err != nil {
			return types.Field{}, nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
		return types.NewDecimal(d), rest, nil
	case types.TypeTimestamp, types.TypeDate:
		if err := need(8); err != nil {
			return types.Field{}, nil, err
		}
		ts := time.Unix(0, unorderInt64(binary.BigEndian.Uint64(data))).UTC()
		f := types.Field{Kind: kind, Timestamp: ts}
		return f, data[8:], nil
	case types.TypeJSON:
		b, rest, err := readBytes(data)
		if err != nil {
			return types.Field{}, nil, err
		}
		jv, err := types.ParseJSON(b)
		if err != nil {
			return types.Field{}, nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
		return types.NewJSON(jv), rest, nil
	case types.TypePoint:
		if err := need(16); err != nil {
			return types.Field{}, nil, err
		}
		x := unorderFloat64(binary.BigEndian.Uint64(data))
		y := unorderFloat64(binary.BigEndian.Uint64(data[8:]))
		return types.NewPoint(x, y), data[16:], nil
	case types.TypeDuration:
		if err := need(8); err != nil {
			return types.Field{}, nil, err
		}
		return types.NewDuration(time.Duration(unorderInt64(binary.BigEndian.Uint64(data)))), data[8:], nil
	default:
		return types.Field{}, nil, fmt.Errorf("%w: unknown field tag %d", ErrBadFormat, kind)
	}
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readBytes(data []byte) (payload, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrBadFormat
	}
	n := binary.BigEndian.Uint32(data)
	if n > maxStringLen {
		return nil, nil, fmt.Errorf("%w: length %d too large", ErrBadFormat, n)
	}
	data = data[4:]
	if len(data) < int(n) {
		return nil, nil, io.ErrUnexpectedEOF
	}
	return data[:n], data[n:], nil
}

// orderInt64 maps a signed value onto the unsigned space so big-endian byte
// order equals value order.
func orderInt64(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

func unorderInt64(v uint64) int64 {
	return int64(v ^ (1 << 63))
}

// orderFloat64 is the IEEE-754 total-order trick: flip the sign bit of
// positives, all bits of negatives.
func orderFloat64(v float64) uint64 {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func unorderFloat64(v uint64) float64 {
	if v&(1<<63) != 0 {
		return math.Float64frombits(v &^ (1 << 63))
	}
	return math.Float64frombits(^v)
}

// EncodeOpIdentifier packs an identifier into 16 ordered bytes.
func EncodeOpIdentifier(id types.OpIdentifier) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, id.TxID)
	binary.BigEndian.PutUint64(buf[8:], id.SeqInTx)
	return buf
}

// DecodeOpIdentifier unpacks a 16-byte identifier.
func DecodeOpIdentifier(data []byte) (types.OpIdentifier, error) {
	if len(data) != 16 {
		return types.OpIdentifier{}, ErrBadFormat
	}
	return types.OpIdentifier{
		TxID:    binary.BigEndian.Uint64(data),
		SeqInTx: binary.BigEndian.Uint64(data[8:]),
	}, nil
}
