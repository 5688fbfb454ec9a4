package operators

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/encoding"
	"github.com/tarungka/reflow/internal/state"
	"github.com/tarungka/reflow/internal/types"
)

// JoinType selects the join flavor. FULL OUTER is not supported.
type JoinType uint8

const (
	JoinInner JoinType = iota
	JoinLeftOuter
	JoinRightOuter
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "INNER"
	case JoinLeftOuter:
		return "LEFT OUTER"
	case JoinRightOuter:
		return "RIGHT OUTER"
	}
	return "?"
}

// Join input ports.
const (
	JoinLeftPort  dag.Port = 0
	JoinRightPort dag.Port = 1
)

// JoinFactory builds a binary equijoin on a conjunction of
// left_col = right_col predicates.
type JoinFactory struct {
	Type      JoinType
	LeftCols  []string
	RightCols []string
}

func (f *JoinFactory) Stateful() bool { return true }

func (f *JoinFactory) keyIndices(left, right types.Schema) (li, ri []int, err error) {
	if len(f.LeftCols) == 0 || len(f.LeftCols) != len(f.RightCols) {
		return nil, nil, fmt.Errorf("%w: join needs matching key column lists", dag.ErrSchemaMismatch)
	}
	for i := range f.LeftCols {
		l := left.FieldIndex(f.LeftCols[i])
		if l < 0 {
			return nil, nil, fmt.Errorf("%w: left column %q", dag.ErrSchemaMismatch, f.LeftCols[i])
		}
		r := right.FieldIndex(f.RightCols[i])
		if r < 0 {
			return nil, nil, fmt.Errorf("%w: right column %q", dag.ErrSchemaMismatch, f.RightCols[i])
		}
		li = append(li, l)
		ri = append(ri, r)
	}
	return li, ri, nil
}

func (f *JoinFactory) OutputSchemas(inputs map[dag.Port]types.Schema) (map[dag.Port]types.Schema, error) {
	left, okL := inputs[JoinLeftPort]
	right, okR := inputs[JoinRightPort]
	if !okL || !okR || len(inputs) != 2 {
		return nil, fmt.Errorf("%w: join takes input ports %d and %d", dag.ErrMissingInput, JoinLeftPort, JoinRightPort)
	}
	if _, _, err := f.keyIndices(left, right); err != nil {
		return nil, err
	}

	fields := make([]types.FieldDefinition, 0, len(left.Fields)+len(right.Fields))
	names := make(map[string]int)
	addField := func(def types.FieldDefinition, forceNullable bool) {
		if forceNullable {
			def.Nullable = true
		}
		if n, dup := names[def.Name]; dup {
			names[def.Name] = n + 1
			def.Name = fmt.Sprintf("%s_%d", def.Name, n)
		} else {
			names[def.Name] = 1
		}
		fields = append(fields, def)
	}
	for _, def := range left.Fields {
		addField(def, f.Type == JoinRightOuter)
	}
	for _, def := range right.Fields {
		addField(def, f.Type == JoinLeftOuter)
	}

	// The combined primary key survives only for inner joins where both sides
	// have one; padded rows would put nulls into key columns otherwise.
	var pk []int
	if f.Type == JoinInner && len(left.PrimaryIndex) > 0 && len(right.PrimaryIndex) > 0 {
		pk = append(pk, left.PrimaryIndex...)
		for _, idx := range right.PrimaryIndex {
			pk = append(pk, len(left.Fields)+idx)
		}
	}

	schema, err := types.NewSchema(fields, pk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dag.ErrSchemaMismatch, err)
	}
	return map[dag.Port]types.Schema{dag.DefaultPort: schema}, nil
}

func (f *JoinFactory) Build(inputs map[dag.Port]types.Schema, store *state.EpochStore) (dag.Processor, error) {
	left := inputs[JoinLeftPort]
	right := inputs[JoinRightPort]
	li, ri, err := f.keyIndices(left, right)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("operators: join requires a state store")
	}
	return &join{
		typ:   f.Type,
		store: store,
		sides: [2]joinSide{
			{
				rowPrefix: []byte("l/"),
				pkPrefix:  []byte("lp/"),
				keyCols:   li,
				schema:    left,
				schemaID:  encoding.SchemaID(left),
			},
			{
				rowPrefix: []byte("r/"),
				pkPrefix:  []byte("rp/"),
				keyCols:   ri,
				schema:    right,
				schemaID:  encoding.SchemaID(right),
			},
		},
	}, nil
}

type joinSide struct {
	rowPrefix []byte
	pkPrefix  []byte
	keyCols   []int
	schema    types.Schema
	schemaID  uint32
}

type join struct {
	typ   JoinType
	store *state.EpochStore
	sides [2]joinSide
}

// padsFor reports which input port gets null padding when unmatched:
// LEFT OUTER pads missing right rows for left input, and vice versa.
func (j *join) padsFor(from dag.Port) bool {
	return (j.typ == JoinLeftOuter && from == JoinLeftPort) ||
		(j.typ == JoinRightOuter && from == JoinRightPort)
}

func (j *join) joinKey(side *joinSide, rec types.Record) []byte {
	fields := make([]types.Field, len(side.keyCols))
	for i, idx := range side.keyCols {
		fields[i] = rec[idx]
	}
	return encoding.EncodeKey(fields)
}

func (j *join) rowKey(side *joinSide, jk []byte, rec types.Record) []byte {
	key := append([]byte{}, side.rowPrefix...)
	key = append(key, jk...)
	key = append(key, encoding.EncodeKey([]types.Field(rec))...)
	return key
}

type joinRow struct {
	rec   types.Record
	count uint64
}

// matches scans all rows of a side currently indexed under a join key.
func (j *join) matches(side *joinSide, jk []byte) ([]joinRow, error) {
	prefix := append([]byte{}, side.rowPrefix...)
	prefix = append(prefix, jk...)

	var rows []joinRow
	err := j.store.Iterate(prefix, func(_, value []byte) (bool, error) {
		row, err := j.decodeRow(side, value)
		if err != nil {
			return false, err
		}
		rows = append(rows, row)
		return true, nil
	})
	return rows, err
}

func (j *join) encodeRow(side *joinSide, row joinRow) []byte {
	buf := binary.BigEndian.AppendUint64(nil, row.count)
	return append(buf, encoding.EncodeRecord(side.schemaID, row.rec)...)
}

func (j *join) decodeRow(side *joinSide, data []byte) (joinRow, error) {
	if len(data) < 8 {
		return joinRow{}, fmt.Errorf("operators: corrupt join row")
	}
	count := binary.BigEndian.Uint64(data)
	rec, err := encoding.DecodeRecord(side.schemaID, data[8:])
	if err != nil {
		return joinRow{}, err
	}
	return joinRow{rec: rec, count: count}, nil
}

// addRow inserts one instance of rec and returns how many rows the side held
// under jk before the insert.
func (j *join) addRow(side *joinSide, jk []byte, rec types.Record) (before uint64, err error) {
	existing, err := j.matches(side, jk)
	if err != nil {
		return 0, err
	}
	for _, row := range existing {
		before += row.count
	}

	key := j.rowKey(side, jk, rec)
	row := joinRow{rec: rec, count: 1}
	if data, err := j.store.Get(key); err == nil {
		prev, derr := j.decodeRow(side, data)
		if derr != nil {
			return 0, derr
		}
		row.count = prev.count + 1
	} else if !errors.Is(err, state.ErrKeyNotFound) {
		return 0, err
	}
	if err := j.store.Put(key, j.encodeRow(side, row)); err != nil {
		return 0, err
	}

	if len(side.schema.PrimaryIndex) > 0 {
		pkKey := append([]byte{}, side.pkPrefix...)
		pkKey = append(pkKey, encoding.EncodeKey(rec.PrimaryKey(side.schema))...)
		if err := j.store.Put(pkKey, key); err != nil {
			return 0, err
		}
	}
	return before, nil
}

// resolveOld maps an incoming old record to the exact stored row. Sources
// with OnlyPK change fidelity send nulls outside key columns; the primary key
// index recovers the full row.
func (j *join) resolveOld(side *joinSide, rec types.Record) (types.Record, error) {
	if len(side.schema.PrimaryIndex) == 0 {
		return rec, nil
	}
	pkKey := append([]byte{}, side.pkPrefix...)
	pkKey = append(pkKey, encoding.EncodeKey(rec.PrimaryKey(side.schema))...)
	rowKey, err := j.store.Get(pkKey)
	if errors.Is(err, state.ErrKeyNotFound) {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := j.store.Get(rowKey)
	if err != nil {
		return nil, err
	}
	row, err := j.decodeRow(side, data)
	if err != nil {
		return nil, err
	}
	return row.rec, nil
}

// removeRow removes one instance of rec and returns how many rows remain
// under jk afterwards.
func (j *join) removeRow(side *joinSide, jk []byte, rec types.Record) (after uint64, err error) {
	key := j.rowKey(side, jk, rec)
	data, err := j.store.Get(key)
	if errors.Is(err, state.ErrKeyNotFound) {
		return 0, &RecordError{Err: fmt.Errorf("retraction of unknown join row")}
	}
	if err != nil {
		return 0, err
	}
	row, err := j.decodeRow(side, data)
	if err != nil {
		return 0, err
	}
	if row.count <= 1 {
		if err := j.store.Delete(key); err != nil {
			return 0, err
		}
		if len(side.schema.PrimaryIndex) > 0 {
			pkKey := append([]byte{}, side.pkPrefix...)
			pkKey = append(pkKey, encoding.EncodeKey(rec.PrimaryKey(side.schema))...)
			if err := j.store.Delete(pkKey); err != nil {
				return 0, err
			}
		}
	} else {
		row.count--
		if err := j.store.Put(key, j.encodeRow(side, row)); err != nil {
			return 0, err
		}
	}

	remaining, err := j.matches(side, jk)
	if err != nil {
		return 0, err
	}
	for _, r := range remaining {
		after += r.count
	}
	return after, nil
}

// compose builds the output record from one row per side; nil pads with nulls.
func (j *join) compose(left, right types.Record) types.Record {
	out := make(types.Record, 0, len(j.sides[0].schema.Fields)+len(j.sides[1].schema.Fields))
	if left == nil {
		for range j.sides[0].schema.Fields {
			out = append(out, types.NullField)
		}
	} else {
		out = append(out, left...)
	}
	if right == nil {
		for range j.sides[1].schema.Fields {
			out = append(out, types.NullField)
		}
	} else {
		out = append(out, right...)
	}
	return out
}

// pair orients (this-side record, other-side record) into (left, right).
func (j *join) pair(from dag.Port, this, other types.Record) types.Record {
	if from == JoinLeftPort {
		return j.compose(this, other)
	}
	return j.compose(other, this)
}

func (j *join) Process(from dag.Port, top types.TableOperation) ([]types.TableOperation, error) {
	if from != JoinLeftPort && from != JoinRightPort {
		return nil, fmt.Errorf("%w: join port %d", dag.ErrPortNotFound, from)
	}
	op := top.Op
	switch op.Kind {
	case types.OpInsert:
		return j.processInsert(from, op.New)
	case types.OpDelete:
		return j.processDelete(from, op.Old)
	case types.OpUpdate:
		return j.processUpdate(from, op.Old, op.New)
	case types.OpBatchInsert:
		var out []types.TableOperation
		for _, rec := range op.Batch {
			ops, err := j.processInsert(from, rec)
			if err != nil {
				return nil, err
			}
			out = append(out, ops...)
		}
		return out, nil
	}
	return nil, nil
}

func (j *join) processInsert(from dag.Port, rec types.Record) ([]types.TableOperation, error) {
	this := &j.sides[from]
	other := &j.sides[1-from]
	jk := j.joinKey(this, rec)

	others, err := j.matches(other, jk)
	if err != nil {
		return nil, err
	}
	thisBefore, err := j.addRow(this, jk, rec)
	if err != nil {
		return nil, err
	}

	var out []types.TableOperation
	emit := func(op types.Operation) {
		out = append(out, types.TableOperation{Op: op, Port: dag.DefaultPort})
	}

	if len(others) == 0 {
		if j.padsFor(from) {
			emit(types.Insert(j.pair(from, rec, nil)))
		}
		return out, nil
	}

	// The other side pads against us: its rows were emitted null-padded while
	// we had no row under this key. Retract the padding first.
	otherPads := j.padsFor(1 - from)
	for _, row := range others {
		for n := uint64(0); n < row.count; n++ {
			if otherPads && thisBefore == 0 {
				emit(types.Delete(j.pair(1-from, row.rec, nil)))
			}
			emit(types.Insert(j.pair(from, rec, row.rec)))
		}
	}
	return out, nil
}

func (j *join) processDelete(from dag.Port, old types.Record) ([]types.TableOperation, error) {
	this := &j.sides[from]
	other := &j.sides[1-from]

	rec, err := j.resolveOld(this, old)
	if err != nil {
		return nil, err
	}
	jk := j.joinKey(this, rec)

	others, err := j.matches(other, jk)
	if err != nil {
		return nil, err
	}
	thisAfter, err := j.removeRow(this, jk, rec)
	if err != nil {
		return nil, err
	}

	var out []types.TableOperation
	emit := func(op types.Operation) {
		out = append(out, types.TableOperation{Op: op, Port: dag.DefaultPort})
	}

	if len(others) == 0 {
		if j.padsFor(from) {
			emit(types.Delete(j.pair(from, rec, nil)))
		}
		return out, nil
	}

	otherPads := j.padsFor(1 - from)
	for _, row := range others {
		for n := uint64(0); n < row.count; n++ {
			emit(types.Delete(j.pair(from, rec, row.rec)))
			// The other side lost its last match: restore null padding.
			if otherPads && thisAfter == 0 {
				emit(types.Insert(j.pair(1-from, row.rec, nil)))
			}
		}
	}
	return out, nil
}

func (j *join) processUpdate(from dag.Port, old, new types.Record) ([]types.TableOperation, error) {
	this := &j.sides[from]
	other := &j.sides[1-from]

	oldRec, err := j.resolveOld(this, old)
	if err != nil {
		return nil, err
	}
	oldKey := j.joinKey(this, oldRec)
	newKey := j.joinKey(this, new)

	if string(oldKey) != string(newKey) {
		out, err := j.processDelete(from, oldRec)
		if err != nil {
			return nil, err
		}
		ins, err := j.processInsert(from, new)
		if err != nil {
			return nil, err
		}
		return append(out, ins...), nil
	}

	// Key unchanged: swap the stored row, walk matches once.
	if _, err := j.removeRow(this, oldKey, oldRec); err != nil {
		return nil, err
	}
	if _, err := j.addRow(this, oldKey, new); err != nil {
		return nil, err
	}

	others, err := j.matches(other, oldKey)
	if err != nil {
		return nil, err
	}

	var out []types.TableOperation
	emit := func(op types.Operation) {
		out = append(out, types.TableOperation{Op: op, Port: dag.DefaultPort})
	}

	if len(others) == 0 {
		if j.padsFor(from) {
			emit(types.Update(j.pair(from, oldRec, nil), j.pair(from, new, nil)))
		}
		return out, nil
	}
	for _, row := range others {
		for n := uint64(0); n < row.count; n++ {
			emit(types.Update(j.pair(from, oldRec, row.rec), j.pair(from, new, row.rec)))
		}
	}
	return out, nil
}

func (j *join) Commit(types.Epoch) ([]types.TableOperation, error) { return nil, nil }
func (j *join) Close() error                                       { return nil }
