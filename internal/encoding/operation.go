package encoding

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tarungka/reflow/internal/types"
)

// EncodeOperation serializes an operation for the operation log. Layout:
// [kind (1)] then kind-dependent record payloads, each length-prefixed.
func EncodeOperation(schemaID uint32, op types.Operation) []byte {
	buf := []byte{byte(op.Kind)}
	switch op.Kind {
	case types.OpInsert:
		buf = appendBytes(buf, EncodeRecord(schemaID, op.New))
	case types.OpDelete:
		buf = appendBytes(buf, EncodeRecord(schemaID, op.Old))
	case types.OpUpdate:
		buf = appendBytes(buf, EncodeRecord(schemaID, op.Old))
		buf = appendBytes(buf, EncodeRecord(schemaID, op.New))
	case types.OpBatchInsert:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(op.Batch)))
		for _, r := range op.Batch {
			buf = appendBytes(buf, EncodeRecord(schemaID, r))
		}
	}
	return buf
}

// DecodeOperation is the inverse of EncodeOperation.
func DecodeOperation(schemaID uint32, data []byte) (types.Operation, error) {
	if len(data) < 1 {
		return types.Operation{}, ErrBadFormat
	}
	kind := types.OpKind(data[0])
	data = data[1:]

	readRecord := func() (types.Record, error) {
		payload, rest, err := readBytes(data)
		if err != nil {
			return nil, err
		}
		data = rest
		return DecodeRecord(schemaID, payload)
	}

	switch kind {
	case types.OpInsert:
		rec, err := readRecord()
		if err != nil {
			return types.Operation{}, err
		}
		return types.Insert(rec), nil
	case types.OpDelete:
		rec, err := readRecord()
		if err != nil {
			return types.Operation{}, err
		}
		return types.Delete(rec), nil
	case types.OpUpdate:
		old, err := readRecord()
		if err != nil {
			return types.Operation{}, err
		}
		new_, err := readRecord()
		if err != nil {
			return types.Operation{}, err
		}
		return types.Update(old, new_), nil
	case types.OpBatchInsert:
		if len(data) < 4 {
			return types.Operation{}, ErrBadFormat
		}
		count := binary.BigEndian.Uint32(data)
		data = data[4:]
		batch := make([]types.Record, 0, count)
		for i := uint32(0); i < count; i++ {
			rec, err := readRecord()
			if err != nil {
				return types.Operation{}, err
			}
			batch = append(batch, rec)
		}
		return types.BatchInsert(batch), nil
	default:
		return types.Operation{}, fmt.Errorf("%w: unknown op kind %d", ErrBadFormat, kind)
	}
}

// EncodeSourcePositions serializes an epoch's source position map with sorted
// keys so the checkpoint record is byte-stable.
func EncodeSourcePositions(positions map[string]types.OpIdentifier) []byte {
	names := make([]string, 0, len(positions))
	for name := range positions {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := binary.BigEndian.AppendUint32(nil, uint32(len(names)))
	for _, name := range names {
		buf = appendBytes(buf, []byte(name))
		buf = append(buf, EncodeOpIdentifier(positions[name])...)
	}
	return buf
}

// DecodeSourcePositions is the inverse of EncodeSourcePositions.
func DecodeSourcePositions(data []byte) (map[string]types.OpIdentifier, error) {
	if len(data) < 4 {
		return nil, ErrBadFormat
	}
	count := binary.BigEndian.Uint32(data)
	data = data[4:]

	out := make(map[string]types.OpIdentifier, count)
	for i := uint32(0); i < count; i++ {
		name, rest, err := readBytes(data)
		if err != nil {
			return nil, err
		}
		data = rest
		if len(data) < 16 {
			return nil, ErrBadFormat
		}
		id, err := DecodeOpIdentifier(data[:16])
		if err != nil {
			return nil, err
		}
		data = data[16:]
		out[string(name)] = id
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadFormat, len(data))
	}
	return out, nil
}
