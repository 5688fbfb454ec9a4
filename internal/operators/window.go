package operators

import (
	"fmt"
	"time"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/expression"
	"github.com/tarungka/reflow/internal/state"
	"github.com/tarungka/reflow/internal/types"
)

// WindowKind selects the window table function.
type WindowKind uint8

const (
	WindowTumble WindowKind = iota
	WindowHop
)

// WindowFactory builds a window table function that appends window_start and
// window_end columns. Windows are fully determined by the row's timestamp, so
// the operator is stateless.
type WindowFactory struct {
	Kind WindowKind
	// TimeCol names the timestamp column windows are computed from.
	TimeCol string
	Size    time.Duration
	// Hop is the advance of hopping windows; ignored for TUMBLE.
	Hop time.Duration
}

func (f *WindowFactory) Stateful() bool { return false }

func (f *WindowFactory) validate() error {
	if f.Size <= 0 {
		return fmt.Errorf("%w: window size must be positive", dag.ErrSchemaMismatch)
	}
	if f.Kind == WindowHop && f.Hop <= 0 {
		return fmt.Errorf("%w: hop must be positive", dag.ErrSchemaMismatch)
	}
	return nil
}

func (f *WindowFactory) OutputSchemas(inputs map[dag.Port]types.Schema) (map[dag.Port]types.Schema, error) {
	in, ok := inputs[dag.DefaultPort]
	if !ok || len(inputs) != 1 {
		return nil, fmt.Errorf("%w: window takes exactly one input", dag.ErrMissingInput)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	col, err := expression.NewColumnByName(in, f.TimeCol)
	if err != nil {
		return nil, err
	}
	if t := col.ResultType(); t != types.TypeTimestamp && t != types.TypeDate {
		return nil, fmt.Errorf("%w: window column %q is %s, not a timestamp", expression.ErrTypeResolution, f.TimeCol, t)
	}

	fields := make([]types.FieldDefinition, 0, len(in.Fields)+2)
	fields = append(fields, in.Fields...)
	fields = append(fields,
		types.FieldDefinition{Name: "window_start", Type: types.TypeTimestamp},
		types.FieldDefinition{Name: "window_end", Type: types.TypeTimestamp},
	)

	// Hopping windows emit one row per overlapping window, so the input
	// primary key stops being unique. Tumbling windows keep it.
	pk := in.PrimaryIndex
	if f.Kind == WindowHop {
		pk = nil
	}

	schema, err := types.NewSchema(fields, pk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dag.ErrSchemaMismatch, err)
	}
	return map[dag.Port]types.Schema{dag.DefaultPort: schema}, nil
}

func (f *WindowFactory) Build(inputs map[dag.Port]types.Schema, _ *state.EpochStore) (dag.Processor, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	in := inputs[dag.DefaultPort]
	col, err := expression.NewColumnByName(in, f.TimeCol)
	if err != nil {
		return nil, err
	}
	return &window{kind: f.Kind, timeIdx: col.Index(), size: f.Size, hop: f.Hop}, nil
}

type window struct {
	kind    WindowKind
	timeIdx int
	size    time.Duration
	hop     time.Duration
}

// expand returns the windowed extensions of one record: exactly one for
// TUMBLE, one per overlapping window for HOP.
func (w *window) expand(rec types.Record) ([]types.Record, error) {
	tsField := rec[w.timeIdx]
	if tsField.IsNull() {
		return nil, &RecordError{Err: fmt.Errorf("null timestamp in window column")}
	}
	ts := tsField.Timestamp

	extend := func(startN int64) types.Record {
		start := time.Unix(0, startN).UTC()
		out := make(types.Record, 0, len(rec)+2)
		out = append(out, rec...)
		out = append(out, types.NewTimestamp(start), types.NewTimestamp(start.Add(w.size)))
		return out
	}

	tsN := ts.UnixNano()
	sizeN := int64(w.size)

	if w.kind == WindowTumble {
		return []types.Record{extend(floorDiv(tsN, sizeN) * sizeN)}, nil
	}

	// HOP: every window [start, start+size) with start a multiple of hop and
	// start <= ts < start+size, in ascending order.
	hopN := int64(w.hop)
	start := floorDiv(tsN-sizeN, hopN) * hopN
	if start <= tsN-sizeN {
		start += hopN
	}
	var out []types.Record
	for ; start <= tsN; start += hopN {
		out = append(out, extend(start))
	}
	return out, nil
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func (w *window) Process(_ dag.Port, top types.TableOperation) ([]types.TableOperation, error) {
	op := top.Op
	var outs []types.TableOperation
	emit := func(o types.Operation) {
		outs = append(outs, types.TableOperation{Op: o, Port: dag.DefaultPort})
	}

	switch op.Kind {
	case types.OpInsert:
		recs, err := w.expand(op.New)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			emit(types.Insert(r))
		}
	case types.OpDelete:
		recs, err := w.expand(op.Old)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			emit(types.Delete(r))
		}
	case types.OpUpdate:
		oldRecs, err := w.expand(op.Old)
		if err != nil {
			return nil, err
		}
		newRecs, err := w.expand(op.New)
		if err != nil {
			return nil, err
		}
		// Same single window on both sides stays an update; anything else
		// decomposes, the windows are different rows downstream.
		if len(oldRecs) == 1 && len(newRecs) == 1 && oldRecs[0][len(oldRecs[0])-2].Equal(newRecs[0][len(newRecs[0])-2]) {
			emit(types.Update(oldRecs[0], newRecs[0]))
			break
		}
		for _, r := range oldRecs {
			emit(types.Delete(r))
		}
		for _, r := range newRecs {
			emit(types.Insert(r))
		}
	case types.OpBatchInsert:
		var batch []types.Record
		for _, rec := range op.Batch {
			recs, err := w.expand(rec)
			if err != nil {
				return nil, err
			}
			batch = append(batch, recs...)
		}
		emit(types.BatchInsert(batch))
	}
	return outs, nil
}

func (w *window) Commit(types.Epoch) ([]types.TableOperation, error) { return nil, nil }
func (w *window) Close() error                                       { return nil }
