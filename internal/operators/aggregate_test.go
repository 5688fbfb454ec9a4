package operators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/types"
)

func kvSchema(t *testing.T) types.Schema {
	t.Helper()
	s, err := types.NewSchema([]types.FieldDefinition{
		{Name: "k", Type: types.TypeString},
		{Name: "n", Type: types.TypeInt},
	}, nil)
	require.NoError(t, err)
	return s
}

func sumByKey(t *testing.T) (dag.Processor, types.Schema) {
	t.Helper()
	f := &AggregateFactory{
		GroupNames: []string{"k"},
		GroupBy:    []ExprBuilder{ColumnRef("k")},
		Aggs:       []AggSpec{{Func: AggSum, Arg: ColumnRef("n"), Name: "total"}},
	}
	return buildProcessor(t, f, map[dag.Port]types.Schema{0: kvSchema(t)})
}

// Scenario S2: SELECT k, SUM(n) GROUP BY k over inserts and a retraction.
func TestAggregateSumWithRetraction(t *testing.T) {
	p, out := sumByKey(t)
	assert.Equal(t, "total", out.Fields[1].Name)

	got := feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(3))))
	requireOps(t, got, types.Insert(rec(types.NewString("a"), types.NewInt(3))))

	got = feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(4))))
	requireOps(t, got, types.Update(
		rec(types.NewString("a"), types.NewInt(3)),
		rec(types.NewString("a"), types.NewInt(7)),
	))

	got = feed(t, p, 0, types.Insert(rec(types.NewString("b"), types.NewInt(10))))
	requireOps(t, got, types.Insert(rec(types.NewString("b"), types.NewInt(10))))

	got = feed(t, p, 0, types.Delete(rec(types.NewString("a"), types.NewInt(3))))
	requireOps(t, got, types.Update(
		rec(types.NewString("a"), types.NewInt(7)),
		rec(types.NewString("a"), types.NewInt(4)),
	))
}

func TestAggregateGroupBecomesEmpty(t *testing.T) {
	p, _ := sumByKey(t)

	feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(5))))
	got := feed(t, p, 0, types.Delete(rec(types.NewString("a"), types.NewInt(5))))
	requireOps(t, got, types.Delete(rec(types.NewString("a"), types.NewInt(5))))

	// The group can be rebuilt from scratch afterwards.
	got = feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(1))))
	requireOps(t, got, types.Insert(rec(types.NewString("a"), types.NewInt(1))))
}

func TestAggregateUpdateSameGroup(t *testing.T) {
	p, _ := sumByKey(t)

	feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(5))))
	got := feed(t, p, 0, types.Update(
		rec(types.NewString("a"), types.NewInt(5)),
		rec(types.NewString("a"), types.NewInt(9)),
	))
	requireOps(t, got, types.Update(
		rec(types.NewString("a"), types.NewInt(5)),
		rec(types.NewString("a"), types.NewInt(9)),
	))
}

func TestAggregateUpdateMovesGroups(t *testing.T) {
	p, _ := sumByKey(t)

	feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(5))))
	feed(t, p, 0, types.Insert(rec(types.NewString("b"), types.NewInt(1))))

	got := feed(t, p, 0, types.Update(
		rec(types.NewString("a"), types.NewInt(5)),
		rec(types.NewString("b"), types.NewInt(5)),
	))
	requireOps(t, got,
		types.Delete(rec(types.NewString("a"), types.NewInt(5))),
		types.Update(
			rec(types.NewString("b"), types.NewInt(1)),
			rec(types.NewString("b"), types.NewInt(6)),
		),
	)
}

// Retractable MIN must fall back to the next live value; append-only MIN has
// no multiset and is only correct without retractions.
func TestAggregateMinRetraction(t *testing.T) {
	f := &AggregateFactory{
		GroupNames: []string{"k"},
		GroupBy:    []ExprBuilder{ColumnRef("k")},
		Aggs:       []AggSpec{{Func: AggMin, Arg: ColumnRef("n"), Name: "min_n"}},
	}
	p, _ := buildProcessor(t, f, map[dag.Port]types.Schema{0: kvSchema(t)})

	feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(5))))
	feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(3))))
	feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(3))))

	// One instance of the duplicate min retracted: min stays 3.
	got := feed(t, p, 0, types.Delete(rec(types.NewString("a"), types.NewInt(3))))
	requireOps(t, got, types.Update(
		rec(types.NewString("a"), types.NewInt(3)),
		rec(types.NewString("a"), types.NewInt(3)),
	))

	// Last instance retracted: min falls back to 5.
	got = feed(t, p, 0, types.Delete(rec(types.NewString("a"), types.NewInt(3))))
	requireOps(t, got, types.Update(
		rec(types.NewString("a"), types.NewInt(3)),
		rec(types.NewString("a"), types.NewInt(5)),
	))
}

func TestAggregateCountStarCountsNulls(t *testing.T) {
	s, err := types.NewSchema([]types.FieldDefinition{
		{Name: "k", Type: types.TypeString},
		{Name: "n", Type: types.TypeInt, Nullable: true},
	}, nil)
	require.NoError(t, err)

	f := &AggregateFactory{
		GroupNames: []string{"k"},
		GroupBy:    []ExprBuilder{ColumnRef("k")},
		Aggs: []AggSpec{
			{Func: AggCountStar, Name: "rows"},
			{Func: AggCount, Arg: ColumnRef("n"), Name: "vals"},
			{Func: AggSum, Arg: ColumnRef("n"), Name: "total"},
		},
	}
	p, _ := buildProcessor(t, f, map[dag.Port]types.Schema{0: s})

	feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(2))))
	got := feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NullField)))

	// COUNT(*) counts the null row, COUNT(n) and SUM(n) ignore it.
	requireOps(t, got, types.Update(
		rec(types.NewString("a"), types.NewInt(1), types.NewInt(1), types.NewInt(2)),
		rec(types.NewString("a"), types.NewInt(2), types.NewInt(1), types.NewInt(2)),
	))
}

func TestAggregateAvg(t *testing.T) {
	f := &AggregateFactory{
		GroupNames: []string{"k"},
		GroupBy:    []ExprBuilder{ColumnRef("k")},
		Aggs:       []AggSpec{{Func: AggAvg, Arg: ColumnRef("n"), Name: "avg_n"}},
	}
	p, _ := buildProcessor(t, f, map[dag.Port]types.Schema{0: kvSchema(t)})

	feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(4))))
	got := feed(t, p, 0, types.Insert(rec(types.NewString("a"), types.NewInt(8))))
	requireOps(t, got, types.Update(
		rec(types.NewString("a"), types.NewFloat(4)),
		rec(types.NewString("a"), types.NewFloat(6)),
	))
}

// Null group keys hash to their own bucket instead of colliding with zero
// values.
func TestAggregateNullGroupKey(t *testing.T) {
	s, err := types.NewSchema([]types.FieldDefinition{
		{Name: "k", Type: types.TypeString, Nullable: true},
		{Name: "n", Type: types.TypeInt},
	}, nil)
	require.NoError(t, err)

	f := &AggregateFactory{
		GroupNames: []string{"k"},
		GroupBy:    []ExprBuilder{ColumnRef("k")},
		Aggs:       []AggSpec{{Func: AggSum, Arg: ColumnRef("n"), Name: "total"}},
	}
	p, _ := buildProcessor(t, f, map[dag.Port]types.Schema{0: s})

	got := feed(t, p, 0, types.Insert(rec(types.NullField, types.NewInt(1))))
	requireOps(t, got, types.Insert(rec(types.NullField, types.NewInt(1))))

	got = feed(t, p, 0, types.Insert(rec(types.NewString(""), types.NewInt(2))))
	requireOps(t, got, types.Insert(rec(types.NewString(""), types.NewInt(2))))

	got = feed(t, p, 0, types.Insert(rec(types.NullField, types.NewInt(3))))
	requireOps(t, got, types.Update(
		rec(types.NullField, types.NewInt(1)),
		rec(types.NullField, types.NewInt(4)),
	))
}

func TestAggregateBatchInsert(t *testing.T) {
	p, _ := sumByKey(t)

	got := feed(t, p, 0, types.BatchInsert([]types.Record{
		rec(types.NewString("a"), types.NewInt(1)),
		rec(types.NewString("a"), types.NewInt(2)),
	}))
	requireOps(t, got,
		types.Insert(rec(types.NewString("a"), types.NewInt(1))),
		types.Update(
			rec(types.NewString("a"), types.NewInt(1)),
			rec(types.NewString("a"), types.NewInt(3)),
		),
	)
}

func TestAggregateStatePersistsAcrossRebuild(t *testing.T) {
	// Same backend, new processor: accumulators must carry over after a
	// commit, the way a restart rebuilds operators over restored state.
	backend := kvSchema(t)
	f := &AggregateFactory{
		GroupNames: []string{"k"},
		GroupBy:    []ExprBuilder{ColumnRef("k")},
		Aggs:       []AggSpec{{Func: AggSum, Arg: ColumnRef("n"), Name: "total"}},
	}
	inputs := map[dag.Port]types.Schema{0: backend}

	store := newTestStore(t)
	p1, err := f.Build(inputs, store)
	require.NoError(t, err)
	_, err = p1.Process(0, types.TableOperation{Op: types.Insert(rec(types.NewString("a"), types.NewInt(7)))})
	require.NoError(t, err)
	require.NoError(t, store.Commit(1))

	p2, err := f.Build(inputs, store)
	require.NoError(t, err)
	outs, err := p2.Process(0, types.TableOperation{Op: types.Insert(rec(types.NewString("a"), types.NewInt(1)))})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	requireOps(t, []types.Operation{outs[0].Op}, types.Update(
		rec(types.NewString("a"), types.NewInt(7)),
		rec(types.NewString("a"), types.NewInt(8)),
	))
}
