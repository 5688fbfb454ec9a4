package operators

import (
	"fmt"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/expression"
	"github.com/tarungka/reflow/internal/state"
	"github.com/tarungka/reflow/internal/types"
)

// SelectionFactory builds a stateless filter over one input.
type SelectionFactory struct {
	Predicate ExprBuilder
}

func (f *SelectionFactory) Stateful() bool { return false }

func (f *SelectionFactory) OutputSchemas(inputs map[dag.Port]types.Schema) (map[dag.Port]types.Schema, error) {
	in, ok := inputs[dag.DefaultPort]
	if !ok || len(inputs) != 1 {
		return nil, fmt.Errorf("%w: selection takes exactly one input", dag.ErrMissingInput)
	}
	pred, err := f.Predicate(in)
	if err != nil {
		return nil, err
	}
	if t := pred.ResultType(); t != types.TypeBoolean && t != types.TypeNull {
		return nil, fmt.Errorf("%w: predicate is %s, not boolean", expression.ErrTypeResolution, t)
	}
	return map[dag.Port]types.Schema{dag.DefaultPort: in}, nil
}

func (f *SelectionFactory) Build(inputs map[dag.Port]types.Schema, _ *state.EpochStore) (dag.Processor, error) {
	pred, err := f.Predicate(inputs[dag.DefaultPort])
	if err != nil {
		return nil, err
	}
	return &selection{pred: pred}, nil
}

type selection struct {
	pred expression.Expression
}

func (s *selection) passes(rec types.Record) (bool, error) {
	v, err := s.pred.Evaluate(rec)
	if err != nil {
		return false, asRecordError(err)
	}
	return truthy(v), nil
}

// Process implements the three-valued selection table: an update whose rows
// cross the predicate boundary degenerates into an insert or a delete.
func (s *selection) Process(_ dag.Port, top types.TableOperation) ([]types.TableOperation, error) {
	emit := func(op types.Operation) []types.TableOperation {
		return []types.TableOperation{{Op: op, Port: dag.DefaultPort}}
	}

	op := top.Op
	switch op.Kind {
	case types.OpInsert:
		ok, err := s.passes(op.New)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return emit(types.Insert(op.New)), nil

	case types.OpDelete:
		ok, err := s.passes(op.Old)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return emit(types.Delete(op.Old)), nil

	case types.OpUpdate:
		oldOK, err := s.passes(op.Old)
		if err != nil {
			return nil, err
		}
		newOK, err := s.passes(op.New)
		if err != nil {
			return nil, err
		}
		switch {
		case oldOK && newOK:
			return emit(types.Update(op.Old, op.New)), nil
		case !oldOK && newOK:
			return emit(types.Insert(op.New)), nil
		case oldOK && !newOK:
			return emit(types.Delete(op.Old)), nil
		default:
			return nil, nil
		}

	case types.OpBatchInsert:
		var kept []types.Record
		for _, rec := range op.Batch {
			ok, err := s.passes(rec)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			return nil, nil
		}
		return emit(types.BatchInsert(kept)), nil
	}
	return nil, nil
}

func (s *selection) Commit(types.Epoch) ([]types.TableOperation, error) { return nil, nil }
func (s *selection) Close() error                                       { return nil }
