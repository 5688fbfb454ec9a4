package operators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/types"
)

// Scenario S1: a filter over (id, v) with predicate v > 10 must turn
// boundary-crossing updates into inserts and deletes, and swallow retractions
// of rows that never passed.
func TestSelectionUpdateCrossesPredicate(t *testing.T) {
	schema := intStrSchema(t, "id", "v")
	p, out := buildProcessor(t, &SelectionFactory{Predicate: gt("v", 10)}, map[dag.Port]types.Schema{0: schema})
	assert.NoError(t, out.Validate())

	got := feed(t, p, 0, types.Insert(rec(types.NewInt(1), types.NewInt(5))))
	requireOps(t, got) // 5 does not pass

	got = feed(t, p, 0, types.Update(
		rec(types.NewInt(1), types.NewInt(5)),
		rec(types.NewInt(1), types.NewInt(20)),
	))
	requireOps(t, got, types.Insert(rec(types.NewInt(1), types.NewInt(20))))

	got = feed(t, p, 0, types.Update(
		rec(types.NewInt(1), types.NewInt(20)),
		rec(types.NewInt(1), types.NewInt(7)),
	))
	requireOps(t, got, types.Delete(rec(types.NewInt(1), types.NewInt(20))))

	got = feed(t, p, 0, types.Delete(rec(types.NewInt(1), types.NewInt(7))))
	requireOps(t, got) // the row was already filtered out
}

func TestSelectionPassingRows(t *testing.T) {
	schema := intStrSchema(t, "id", "v")
	p, _ := buildProcessor(t, &SelectionFactory{Predicate: gt("v", 10)}, map[dag.Port]types.Schema{0: schema})

	got := feed(t, p, 0, types.Insert(rec(types.NewInt(1), types.NewInt(11))))
	requireOps(t, got, types.Insert(rec(types.NewInt(1), types.NewInt(11))))

	got = feed(t, p, 0, types.Update(
		rec(types.NewInt(1), types.NewInt(11)),
		rec(types.NewInt(1), types.NewInt(12)),
	))
	requireOps(t, got, types.Update(
		rec(types.NewInt(1), types.NewInt(11)),
		rec(types.NewInt(1), types.NewInt(12)),
	))

	got = feed(t, p, 0, types.Delete(rec(types.NewInt(1), types.NewInt(12))))
	requireOps(t, got, types.Delete(rec(types.NewInt(1), types.NewInt(12))))
}

// NULL predicate results filter like false, on both sides of an update.
func TestSelectionNullPredicate(t *testing.T) {
	s, err := types.NewSchema([]types.FieldDefinition{
		{Name: "id", Type: types.TypeInt},
		{Name: "v", Type: types.TypeInt, Nullable: true},
	}, []int{0})
	require.NoError(t, err)

	p, _ := buildProcessor(t, &SelectionFactory{Predicate: gt("v", 10)}, map[dag.Port]types.Schema{0: s})

	got := feed(t, p, 0, types.Insert(rec(types.NewInt(1), types.NullField)))
	requireOps(t, got)

	got = feed(t, p, 0, types.Update(
		rec(types.NewInt(1), types.NullField),
		rec(types.NewInt(1), types.NewInt(99)),
	))
	requireOps(t, got, types.Insert(rec(types.NewInt(1), types.NewInt(99))))
}

func TestSelectionBatchInsert(t *testing.T) {
	schema := intStrSchema(t, "id", "v")
	p, _ := buildProcessor(t, &SelectionFactory{Predicate: gt("v", 10)}, map[dag.Port]types.Schema{0: schema})

	got := feed(t, p, 0, types.BatchInsert([]types.Record{
		rec(types.NewInt(1), types.NewInt(5)),
		rec(types.NewInt(2), types.NewInt(15)),
		rec(types.NewInt(3), types.NewInt(25)),
	}))
	require.Len(t, got, 1)
	require.Equal(t, types.OpBatchInsert, got[0].Kind)
	require.Len(t, got[0].Batch, 2)
}
