package operators

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/encoding"
	"github.com/tarungka/reflow/internal/expression"
	"github.com/tarungka/reflow/internal/state"
	"github.com/tarungka/reflow/internal/types"
)

// AggFunc enumerates the aggregate functions.
type AggFunc uint8

const (
	AggSum AggFunc = iota
	AggCount
	AggCountStar
	AggAvg
	AggMin
	AggMax
	// Append-only variants ignore retractions and keep no multiset; cheaper,
	// only legal when the input can never delete or update.
	AggMinAppendOnly
	AggMaxAppendOnly
)

func (f AggFunc) String() string {
	switch f {
	case AggSum:
		return "SUM"
	case AggCount:
		return "COUNT"
	case AggCountStar:
		return "COUNT(*)"
	case AggAvg:
		return "AVG"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	case AggMinAppendOnly:
		return "MIN_APPEND_ONLY"
	case AggMaxAppendOnly:
		return "MAX_APPEND_ONLY"
	}
	return "?"
}

// AggSpec declares one aggregate output column. Arg is nil for COUNT(*).
type AggSpec struct {
	Func AggFunc
	Arg  ExprBuilder
	Name string
}

// AggregateFactory builds a GROUP BY aggregation.
type AggregateFactory struct {
	GroupNames []string
	GroupBy    []ExprBuilder
	Aggs       []AggSpec
}

func (f *AggregateFactory) Stateful() bool { return true }

type aggRuntime struct {
	fn      AggFunc
	expr    expression.Expression // nil for COUNT(*)
	outType types.FieldType
}

func (f *AggregateFactory) resolve(in types.Schema) ([]expression.Expression, []aggRuntime, error) {
	if len(f.GroupNames) != len(f.GroupBy) {
		return nil, nil, fmt.Errorf("%w: %d names for %d group expressions", dag.ErrSchemaMismatch, len(f.GroupNames), len(f.GroupBy))
	}
	groupExprs := make([]expression.Expression, len(f.GroupBy))
	for i, build := range f.GroupBy {
		e, err := build(in)
		if err != nil {
			return nil, nil, err
		}
		groupExprs[i] = e
	}

	aggs := make([]aggRuntime, len(f.Aggs))
	for i, spec := range f.Aggs {
		rt := aggRuntime{fn: spec.Func}
		if spec.Func == AggCountStar {
			if spec.Arg != nil {
				return nil, nil, fmt.Errorf("%w: COUNT(*) takes no argument", expression.ErrTypeResolution)
			}
			rt.outType = types.TypeInt
			aggs[i] = rt
			continue
		}
		if spec.Arg == nil {
			return nil, nil, fmt.Errorf("%w: %s requires an argument", expression.ErrTypeResolution, spec.Func)
		}
		e, err := spec.Arg(in)
		if err != nil {
			return nil, nil, err
		}
		rt.expr = e
		at := e.ResultType()
		switch spec.Func {
		case AggCount:
			rt.outType = types.TypeInt
		case AggSum:
			if !summable(at) {
				return nil, nil, fmt.Errorf("%w: SUM over %s", expression.ErrTypeResolution, at)
			}
			rt.outType = at
		case AggAvg:
			if !summable(at) {
				return nil, nil, fmt.Errorf("%w: AVG over %s", expression.ErrTypeResolution, at)
			}
			if at == types.TypeDecimal {
				rt.outType = types.TypeDecimal
			} else {
				rt.outType = types.TypeFloat
			}
		case AggMin, AggMax, AggMinAppendOnly, AggMaxAppendOnly:
			rt.outType = at
		default:
			return nil, nil, fmt.Errorf("%w: unknown aggregate %d", expression.ErrTypeResolution, spec.Func)
		}
		aggs[i] = rt
	}
	return groupExprs, aggs, nil
}

func summable(t types.FieldType) bool {
	switch t {
	case types.TypeInt, types.TypeUInt, types.TypeFloat, types.TypeDecimal, types.TypeNull:
		return true
	}
	return false
}

func (f *AggregateFactory) OutputSchemas(inputs map[dag.Port]types.Schema) (map[dag.Port]types.Schema, error) {
	in, ok := inputs[dag.DefaultPort]
	if !ok || len(inputs) != 1 {
		return nil, fmt.Errorf("%w: aggregation takes exactly one input", dag.ErrMissingInput)
	}
	groupExprs, aggs, err := f.resolve(in)
	if err != nil {
		return nil, err
	}

	fields := make([]types.FieldDefinition, 0, len(groupExprs)+len(aggs))
	allGroupsNotNull := true
	for i, e := range groupExprs {
		fields = append(fields, types.FieldDefinition{
			Name:     f.GroupNames[i],
			Type:     e.ResultType(),
			Nullable: e.Nullable(),
		})
		if e.Nullable() {
			allGroupsNotNull = false
		}
	}
	for i, rt := range aggs {
		nullable := true
		if rt.fn == AggCount || rt.fn == AggCountStar {
			nullable = false
		}
		fields = append(fields, types.FieldDefinition{
			Name:     f.Aggs[i].Name,
			Type:     rt.outType,
			Nullable: nullable,
		})
	}

	var pk []int
	if allGroupsNotNull && len(groupExprs) > 0 {
		for i := range groupExprs {
			pk = append(pk, i)
		}
	}

	schema, err := types.NewSchema(fields, pk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dag.ErrSchemaMismatch, err)
	}
	return map[dag.Port]types.Schema{dag.DefaultPort: schema}, nil
}

func (f *AggregateFactory) Build(inputs map[dag.Port]types.Schema, store *state.EpochStore) (dag.Processor, error) {
	groupExprs, aggs, err := f.resolve(inputs[dag.DefaultPort])
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("operators: aggregation requires a state store")
	}
	return &aggregate{store: store, groupExprs: groupExprs, aggs: aggs}, nil
}

var groupPrefix = []byte("g/")

type aggregate struct {
	store      *state.EpochStore
	groupExprs []expression.Expression
	aggs       []aggRuntime
}

// accumulator is the persisted per-group state.
type accumulator struct {
	rows uint64
	accs []accState
}

type accState struct {
	count uint64      // SUM/AVG/COUNT: contributing non-null values
	value types.Field // SUM/AVG running sum; append-only MIN/MAX current value
	// multiset of live values for retractable MIN/MAX, keyed by encoded value
	multiset map[string]msEntry
}

type msEntry struct {
	value types.Field
	count uint64
}

func (a *aggregate) newAccumulator() *accumulator {
	acc := &accumulator{accs: make([]accState, len(a.aggs))}
	for i, rt := range a.aggs {
		if rt.fn == AggMin || rt.fn == AggMax {
			acc.accs[i].multiset = make(map[string]msEntry)
		}
		acc.accs[i].value = types.NullField
	}
	return acc
}

func (a *aggregate) groupKey(rec types.Record) ([]types.Field, []byte, error) {
	fields := make([]types.Field, len(a.groupExprs))
	for i, e := range a.groupExprs {
		v, err := e.Evaluate(rec)
		if err != nil {
			return nil, nil, asRecordError(err)
		}
		fields[i] = v
	}
	key := append([]byte{}, groupPrefix...)
	key = append(key, encoding.EncodeKey(fields)...)
	return fields, key, nil
}

// apply folds one record into (sign=+1) or out of (sign=-1) the accumulator.
// Argument evaluation happens before any mutation so a per-record error never
// leaves the group half-updated.
func (a *aggregate) apply(acc *accumulator, rec types.Record, sign int) error {
	vals := make([]types.Field, len(a.aggs))
	for i, rt := range a.aggs {
		if rt.expr == nil {
			continue
		}
		v, err := rt.expr.Evaluate(rec)
		if err != nil {
			return asRecordError(err)
		}
		vals[i] = v
	}

	if sign > 0 {
		acc.rows++
	} else {
		if acc.rows == 0 {
			return fmt.Errorf("operators: retraction from empty group")
		}
		acc.rows--
	}

	for i, rt := range a.aggs {
		st := &acc.accs[i]
		v := vals[i]
		switch rt.fn {
		case AggCountStar:
			// row count doubles as the value

		case AggCount:
			if v.IsNull() {
				continue
			}
			if sign > 0 {
				st.count++
			} else {
				st.count--
			}

		case AggSum, AggAvg:
			if v.IsNull() {
				continue
			}
			if sign > 0 {
				st.count++
			} else {
				st.count--
			}
			if st.count == 0 {
				st.value = types.NullField
				continue
			}
			sum, err := addNumeric(rt.outTypeForSum(), st.value, v, sign)
			if err != nil {
				return err
			}
			st.value = sum

		case AggMin, AggMax:
			if v.IsNull() {
				continue
			}
			ek := string(encoding.EncodeKey([]types.Field{v}))
			e := st.multiset[ek]
			if sign > 0 {
				e.value = v
				e.count++
				st.multiset[ek] = e
			} else {
				if e.count <= 1 {
					delete(st.multiset, ek)
				} else {
					e.count--
					st.multiset[ek] = e
				}
			}

		case AggMinAppendOnly:
			if v.IsNull() || sign < 0 {
				continue
			}
			if st.value.IsNull() {
				st.value = v
				continue
			}
			if c, err := v.Compare(st.value); err == nil && c < 0 {
				st.value = v
			}

		case AggMaxAppendOnly:
			if v.IsNull() || sign < 0 {
				continue
			}
			if st.value.IsNull() {
				st.value = v
				continue
			}
			if c, err := v.Compare(st.value); err == nil && c > 0 {
				st.value = v
			}
		}
	}
	return nil
}

// outTypeForSum maps AVG's display type back to the running sum type.
func (rt aggRuntime) outTypeForSum() types.FieldType {
	if rt.fn == AggAvg && rt.outType == types.TypeFloat {
		return types.TypeFloat
	}
	return rt.outType
}

func addNumeric(typ types.FieldType, cur, v types.Field, sign int) (types.Field, error) {
	if cur.IsNull() {
		switch typ {
		case types.TypeInt:
			cur = types.NewInt(0)
		case types.TypeUInt:
			cur = types.NewUInt(0)
		case types.TypeFloat:
			cur = types.NewFloat(0)
		case types.TypeDecimal:
			cur = types.NewDecimal(decimal.Zero)
		default:
			cur = types.NewFloat(0)
		}
	}
	switch cur.Kind {
	case types.TypeInt:
		d := toI64(v)
		if sign < 0 {
			d = -d
		}
		s := cur.Int + d
		if (cur.Int > 0 && d > 0 && s < 0) || (cur.Int < 0 && d < 0 && s >= 0) {
			return types.Field{}, &RecordError{Err: expression.ErrArithmeticOverflow}
		}
		return types.NewInt(s), nil
	case types.TypeUInt:
		d := v.Uint
		if sign < 0 {
			if cur.Uint < d {
				return types.Field{}, &RecordError{Err: expression.ErrArithmeticOverflow}
			}
			return types.NewUInt(cur.Uint - d), nil
		}
		s := cur.Uint + d
		if s < cur.Uint {
			return types.Field{}, &RecordError{Err: expression.ErrArithmeticOverflow}
		}
		return types.NewUInt(s), nil
	case types.TypeFloat:
		d := toF64(v)
		if sign < 0 {
			d = -d
		}
		return types.NewFloat(cur.Float + d), nil
	case types.TypeDecimal:
		d := toDec(v)
		if sign < 0 {
			d = d.Neg()
		}
		return types.NewDecimal(cur.Decimal.Add(d)), nil
	}
	return types.Field{}, fmt.Errorf("operators: cannot accumulate %s", cur.Kind)
}

func toI64(f types.Field) int64 {
	switch f.Kind {
	case types.TypeInt:
		return f.Int
	case types.TypeUInt:
		return int64(f.Uint)
	}
	return 0
}

func toF64(f types.Field) float64 {
	switch f.Kind {
	case types.TypeFloat:
		return f.Float
	case types.TypeInt:
		return float64(f.Int)
	case types.TypeUInt:
		return float64(f.Uint)
	case types.TypeDecimal:
		v, _ := f.Decimal.Float64()
		return v
	}
	return 0
}

func toDec(f types.Field) decimal.Decimal {
	switch f.Kind {
	case types.TypeDecimal:
		return f.Decimal
	case types.TypeInt:
		return decimal.NewFromInt(f.Int)
	case types.TypeUInt:
		return decimal.NewFromUint64(f.Uint)
	case types.TypeFloat:
		return decimal.NewFromFloat(f.Float)
	}
	return decimal.Zero
}

// render produces the output record for a group.
func (a *aggregate) render(group []types.Field, acc *accumulator) types.Record {
	out := make(types.Record, 0, len(group)+len(a.aggs))
	out = append(out, group...)
	for i, rt := range a.aggs {
		st := acc.accs[i]
		switch rt.fn {
		case AggCountStar:
			out = append(out, types.NewInt(int64(acc.rows)))
		case AggCount:
			out = append(out, types.NewInt(int64(st.count)))
		case AggSum:
			out = append(out, st.value)
		case AggAvg:
			if st.count == 0 {
				out = append(out, types.NullField)
				continue
			}
			if rt.outType == types.TypeDecimal {
				out = append(out, types.NewDecimal(toDec(st.value).Div(decimal.NewFromInt(int64(st.count)))))
			} else {
				out = append(out, types.NewFloat(toF64(st.value)/float64(st.count)))
			}
		case AggMin, AggMax:
			out = append(out, extremum(st.multiset, rt.fn == AggMin))
		case AggMinAppendOnly, AggMaxAppendOnly:
			out = append(out, st.value)
		}
	}
	return out
}

func extremum(ms map[string]msEntry, min bool) types.Field {
	best := types.NullField
	for _, e := range ms {
		if best.IsNull() {
			best = e.value
			continue
		}
		c, err := e.value.Compare(best)
		if err != nil {
			continue
		}
		if (min && c < 0) || (!min && c > 0) {
			best = e.value
		}
	}
	return best
}

func (a *aggregate) load(key []byte) (*accumulator, error) {
	data, err := a.store.Get(key)
	if errors.Is(err, state.ErrKeyNotFound) {
		return a.newAccumulator(), nil
	}
	if err != nil {
		return nil, err
	}
	return a.decodeAccumulator(data)
}

func (a *aggregate) save(key []byte, acc *accumulator) error {
	if acc.rows == 0 {
		return a.store.Delete(key)
	}
	return a.store.Put(key, a.encodeAccumulator(acc))
}

func (a *aggregate) encodeAccumulator(acc *accumulator) []byte {
	buf := binary.BigEndian.AppendUint64(nil, acc.rows)
	for _, st := range acc.accs {
		buf = binary.BigEndian.AppendUint64(buf, st.count)
		buf = encoding.AppendEncodedField(buf, st.value)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(st.multiset)))
		for _, e := range st.multiset {
			buf = encoding.AppendEncodedField(buf, e.value)
			buf = binary.BigEndian.AppendUint64(buf, e.count)
		}
	}
	return buf
}

func (a *aggregate) decodeAccumulator(data []byte) (*accumulator, error) {
	bad := func() error { return fmt.Errorf("operators: corrupt accumulator state") }
	if len(data) < 8 {
		return nil, bad()
	}
	acc := &accumulator{rows: binary.BigEndian.Uint64(data), accs: make([]accState, len(a.aggs))}
	data = data[8:]
	for i := range a.aggs {
		if len(data) < 8 {
			return nil, bad()
		}
		st := accState{count: binary.BigEndian.Uint64(data)}
		data = data[8:]
		var err error
		st.value, data, err = encoding.ReadField(data)
		if err != nil {
			return nil, err
		}
		if len(data) < 4 {
			return nil, bad()
		}
		n := binary.BigEndian.Uint32(data)
		data = data[4:]
		if n > 0 {
			st.multiset = make(map[string]msEntry, n)
		} else if a.aggs[i].fn == AggMin || a.aggs[i].fn == AggMax {
			st.multiset = make(map[string]msEntry)
		}
		for j := uint32(0); j < n; j++ {
			var v types.Field
			v, data, err = encoding.ReadField(data)
			if err != nil {
				return nil, err
			}
			if len(data) < 8 {
				return nil, bad()
			}
			cnt := binary.BigEndian.Uint64(data)
			data = data[8:]
			st.multiset[string(encoding.EncodeKey([]types.Field{v}))] = msEntry{value: v, count: cnt}
		}
		acc.accs[i] = st
	}
	if len(data) != 0 {
		return nil, bad()
	}
	return acc, nil
}

func (a *aggregate) Process(_ dag.Port, top types.TableOperation) ([]types.TableOperation, error) {
	op := top.Op
	switch op.Kind {
	case types.OpInsert:
		return a.processInsert(op.New)
	case types.OpDelete:
		return a.processDelete(op.Old)
	case types.OpUpdate:
		return a.processUpdate(op.Old, op.New)
	case types.OpBatchInsert:
		var out []types.TableOperation
		for _, rec := range op.Batch {
			ops, err := a.processInsert(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, ops...)
		}
		return out, nil
	}
	return nil, nil
}

func (a *aggregate) processInsert(rec types.Record) ([]types.TableOperation, error) {
	group, key, err := a.groupKey(rec)
	if err != nil {
		return nil, err
	}
	acc, err := a.load(key)
	if err != nil {
		return nil, err
	}
	wasEmpty := acc.rows == 0
	var oldOut types.Record
	if !wasEmpty {
		oldOut = a.render(group, acc)
	}
	if err := a.apply(acc, rec, +1); err != nil {
		return nil, err
	}
	if err := a.save(key, acc); err != nil {
		return nil, err
	}
	newOut := a.render(group, acc)
	if wasEmpty {
		return []types.TableOperation{{Op: types.Insert(newOut), Port: dag.DefaultPort}}, nil
	}
	return []types.TableOperation{{Op: types.Update(oldOut, newOut), Port: dag.DefaultPort}}, nil
}

func (a *aggregate) processDelete(rec types.Record) ([]types.TableOperation, error) {
	group, key, err := a.groupKey(rec)
	if err != nil {
		return nil, err
	}
	acc, err := a.load(key)
	if err != nil {
		return nil, err
	}
	oldOut := a.render(group, acc)
	if err := a.apply(acc, rec, -1); err != nil {
		return nil, err
	}
	if err := a.save(key, acc); err != nil {
		return nil, err
	}
	if acc.rows == 0 {
		return []types.TableOperation{{Op: types.Delete(oldOut), Port: dag.DefaultPort}}, nil
	}
	newOut := a.render(group, acc)
	return []types.TableOperation{{Op: types.Update(oldOut, newOut), Port: dag.DefaultPort}}, nil
}

func (a *aggregate) processUpdate(old, new types.Record) ([]types.TableOperation, error) {
	oldGroup, oldKey, err := a.groupKey(old)
	if err != nil {
		return nil, err
	}
	newGroup, newKey, err := a.groupKey(new)
	if err != nil {
		return nil, err
	}

	if string(oldKey) == string(newKey) {
		acc, err := a.load(oldKey)
		if err != nil {
			return nil, err
		}
		oldOut := a.render(oldGroup, acc)
		if err := a.apply(acc, old, -1); err != nil {
			return nil, err
		}
		if err := a.apply(acc, new, +1); err != nil {
			return nil, err
		}
		if err := a.save(oldKey, acc); err != nil {
			return nil, err
		}
		newOut := a.render(newGroup, acc)
		return []types.TableOperation{{Op: types.Update(oldOut, newOut), Port: dag.DefaultPort}}, nil
	}

	// The record moved between groups: a retraction on the old group and an
	// application on the new one.
	out, err := a.processDelete(old)
	if err != nil {
		return nil, err
	}
	ins, err := a.processInsert(new)
	if err != nil {
		return nil, err
	}
	return append(out, ins...), nil
}

func (a *aggregate) Commit(types.Epoch) ([]types.TableOperation, error) { return nil, nil }
func (a *aggregate) Close() error                                       { return nil }
