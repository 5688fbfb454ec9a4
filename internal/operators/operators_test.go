package operators

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/expression"
	"github.com/tarungka/reflow/internal/state"
	"github.com/tarungka/reflow/internal/types"
)

// buildProcessor resolves schemas and constructs a processor with an
// in-memory state store when needed.
func buildProcessor(t *testing.T, f dag.ProcessorFactory, inputs map[dag.Port]types.Schema) (dag.Processor, types.Schema) {
	t.Helper()
	outs, err := f.OutputSchemas(inputs)
	require.NoError(t, err)
	out, ok := outs[dag.DefaultPort]
	require.True(t, ok)

	var store *state.EpochStore
	if f.Stateful() {
		store = state.NewEpochStore(state.NewMemory())
		t.Cleanup(func() { store.Close() })
	}
	p, err := f.Build(inputs, store)
	require.NoError(t, err)
	return p, out
}

func newTestStore(t *testing.T) *state.EpochStore {
	t.Helper()
	es := state.NewEpochStore(state.NewMemory())
	t.Cleanup(func() { es.Close() })
	return es
}

// feed runs one operation through a processor and returns the bare output
// operations.
func feed(t *testing.T, p dag.Processor, port dag.Port, op types.Operation) []types.Operation {
	t.Helper()
	outs, err := p.Process(port, types.TableOperation{Op: op, Port: port})
	require.NoError(t, err)
	result := make([]types.Operation, len(outs))
	for i, o := range outs {
		result[i] = o.Op
	}
	return result
}

func intStrSchema(t *testing.T, first, second string) types.Schema {
	t.Helper()
	s, err := types.NewSchema([]types.FieldDefinition{
		{Name: first, Type: types.TypeInt},
		{Name: second, Type: types.TypeInt},
	}, []int{0})
	require.NoError(t, err)
	return s
}

// requireOps asserts an exact output operation sequence.
func requireOps(t *testing.T, got []types.Operation, want ...types.Operation) {
	t.Helper()
	require.Len(t, got, len(want), "got %v", got)
	for i := range want {
		require.Equal(t, want[i].Kind, got[i].Kind, "op %d: got %v, want %v", i, got[i], want[i])
		switch want[i].Kind {
		case types.OpInsert:
			require.True(t, want[i].New.Equal(got[i].New), "op %d: got %v, want %v", i, got[i], want[i])
		case types.OpDelete:
			require.True(t, want[i].Old.Equal(got[i].Old), "op %d: got %v, want %v", i, got[i], want[i])
		case types.OpUpdate:
			require.True(t, want[i].Old.Equal(got[i].Old), "op %d old: got %v, want %v", i, got[i], want[i])
			require.True(t, want[i].New.Equal(got[i].New), "op %d new: got %v, want %v", i, got[i], want[i])
		}
	}
}

func rec(fields ...types.Field) types.Record { return types.Record(fields) }

func gt(column string, value int64) ExprBuilder {
	return func(schema types.Schema) (expression.Expression, error) {
		col, err := expression.NewColumnByName(schema, column)
		if err != nil {
			return nil, err
		}
		return expression.NewBinary(expression.OpGt, col, expression.NewLiteral(types.NewInt(value)))
	}
}
