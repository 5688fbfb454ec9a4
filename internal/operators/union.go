package operators

import (
	"fmt"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/state"
	"github.com/tarungka/reflow/internal/types"
)

// UnionFactory builds an n-ary UNION ALL: every input op is forwarded as-is.
// UNION DISTINCT would need an aggregation over all columns and is not
// supported.
type UnionFactory struct {
	// Inputs is the number of input ports, wired 0..Inputs-1.
	Inputs int
}

func (f *UnionFactory) Stateful() bool { return false }

func (f *UnionFactory) OutputSchemas(inputs map[dag.Port]types.Schema) (map[dag.Port]types.Schema, error) {
	if f.Inputs < 2 {
		return nil, fmt.Errorf("%w: union needs at least two inputs", dag.ErrMissingInput)
	}
	if len(inputs) != f.Inputs {
		return nil, fmt.Errorf("%w: union wired with %d of %d inputs", dag.ErrMissingInput, len(inputs), f.Inputs)
	}

	first, ok := inputs[0]
	if !ok {
		return nil, fmt.Errorf("%w: union input port 0", dag.ErrPortNotFound)
	}
	for p := dag.Port(1); int(p) < f.Inputs; p++ {
		s, ok := inputs[p]
		if !ok {
			return nil, fmt.Errorf("%w: union input port %d", dag.ErrPortNotFound, p)
		}
		if err := sameShape(first, s); err != nil {
			return nil, fmt.Errorf("%w: port %d: %v", dag.ErrSchemaMismatch, p, err)
		}
	}

	// Rows from different branches can collide, no primary key survives.
	out := first.Clone()
	out.PrimaryIndex = nil
	return map[dag.Port]types.Schema{dag.DefaultPort: out}, nil
}

func sameShape(a, b types.Schema) error {
	if len(a.Fields) != len(b.Fields) {
		return fmt.Errorf("column count %d vs %d", len(a.Fields), len(b.Fields))
	}
	for i := range a.Fields {
		if a.Fields[i].Type != b.Fields[i].Type {
			return fmt.Errorf("column %d is %s vs %s", i, a.Fields[i].Type, b.Fields[i].Type)
		}
	}
	return nil
}

func (f *UnionFactory) Build(map[dag.Port]types.Schema, *state.EpochStore) (dag.Processor, error) {
	return &union{}, nil
}

type union struct{}

func (u *union) Process(_ dag.Port, top types.TableOperation) ([]types.TableOperation, error) {
	return []types.TableOperation{{Op: top.Op, Port: dag.DefaultPort}}, nil
}

func (u *union) Commit(types.Epoch) ([]types.TableOperation, error) { return nil, nil }
func (u *union) Close() error                                       { return nil }
