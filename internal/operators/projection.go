package operators

import (
	"fmt"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/expression"
	"github.com/tarungka/reflow/internal/state"
	"github.com/tarungka/reflow/internal/types"
)

// ProjectionFactory builds a stateless projection over one input.
type ProjectionFactory struct {
	Names []string
	Exprs []ExprBuilder
}

func (f *ProjectionFactory) Stateful() bool { return false }

func (f *ProjectionFactory) OutputSchemas(inputs map[dag.Port]types.Schema) (map[dag.Port]types.Schema, error) {
	in, ok := inputs[dag.DefaultPort]
	if !ok || len(inputs) != 1 {
		return nil, fmt.Errorf("%w: projection takes exactly one input", dag.ErrMissingInput)
	}
	if len(f.Names) != len(f.Exprs) {
		return nil, fmt.Errorf("%w: %d names for %d expressions", dag.ErrSchemaMismatch, len(f.Names), len(f.Exprs))
	}

	exprs, err := f.buildExprs(in)
	if err != nil {
		return nil, err
	}

	fields := make([]types.FieldDefinition, len(exprs))
	// Track which input columns survive as plain references so the primary
	// key can be preserved when it passes through unchanged.
	passthrough := make(map[int]int)
	for i, e := range exprs {
		fields[i] = types.FieldDefinition{
			Name:     f.Names[i],
			Type:     e.ResultType(),
			Nullable: e.Nullable(),
		}
		if col, ok := e.(*expression.Column); ok {
			fields[i].Source = in.Fields[col.Index()].Source
			if _, dup := passthrough[col.Index()]; !dup {
				passthrough[col.Index()] = i
			}
		}
	}

	var pk []int
	for _, idx := range in.PrimaryIndex {
		out, ok := passthrough[idx]
		if !ok {
			pk = nil
			break
		}
		pk = append(pk, out)
	}

	schema, err := types.NewSchema(fields, pk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dag.ErrSchemaMismatch, err)
	}
	return map[dag.Port]types.Schema{dag.DefaultPort: schema}, nil
}

func (f *ProjectionFactory) buildExprs(in types.Schema) ([]expression.Expression, error) {
	exprs := make([]expression.Expression, len(f.Exprs))
	for i, build := range f.Exprs {
		e, err := build(in)
		if err != nil {
			return nil, err
		}
		exprs[i] = e
	}
	return exprs, nil
}

func (f *ProjectionFactory) Build(inputs map[dag.Port]types.Schema, _ *state.EpochStore) (dag.Processor, error) {
	exprs, err := f.buildExprs(inputs[dag.DefaultPort])
	if err != nil {
		return nil, err
	}
	return &projection{exprs: exprs}, nil
}

type projection struct {
	exprs []expression.Expression
}

func (p *projection) mapRecord(rec types.Record) (types.Record, error) {
	out := make(types.Record, len(p.exprs))
	for i, e := range p.exprs {
		v, err := e.Evaluate(rec)
		if err != nil {
			return nil, asRecordError(err)
		}
		out[i] = v
	}
	return out, nil
}

func (p *projection) Process(_ dag.Port, top types.TableOperation) ([]types.TableOperation, error) {
	op := top.Op
	var out types.Operation
	switch op.Kind {
	case types.OpInsert:
		rec, err := p.mapRecord(op.New)
		if err != nil {
			return nil, err
		}
		out = types.Insert(rec)
	case types.OpDelete:
		rec, err := p.mapRecord(op.Old)
		if err != nil {
			return nil, err
		}
		out = types.Delete(rec)
	case types.OpUpdate:
		oldRec, err := p.mapRecord(op.Old)
		if err != nil {
			return nil, err
		}
		newRec, err := p.mapRecord(op.New)
		if err != nil {
			return nil, err
		}
		out = types.Update(oldRec, newRec)
	case types.OpBatchInsert:
		batch := make([]types.Record, 0, len(op.Batch))
		for _, rec := range op.Batch {
			mapped, err := p.mapRecord(rec)
			if err != nil {
				return nil, err
			}
			batch = append(batch, mapped)
		}
		out = types.BatchInsert(batch)
	}
	return []types.TableOperation{{Op: out, Port: dag.DefaultPort}}, nil
}

func (p *projection) Commit(types.Epoch) ([]types.TableOperation, error) { return nil, nil }
func (p *projection) Close() error                                       { return nil }
