package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/reflow/internal/connectors"
	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/expression"
	"github.com/tarungka/reflow/internal/operators"
	"github.com/tarungka/reflow/internal/sinks"
	"github.com/tarungka/reflow/internal/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EpochInterval = 10 * time.Millisecond
	cfg.CommitTimeout = 5 * time.Second
	cfg.GraceWindow = 5 * time.Second
	return cfg
}

func runToCompletion(t *testing.T, d *dag.Dag, cfg Config) {
	t.Helper()
	exec, err := New(d, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, exec.Run(ctx))
}

func idp(tx uint64) *types.OpIdentifier {
	return &types.OpIdentifier{TxID: tx}
}

func replaySource(t *testing.T, table string, schema types.Schema, ops []types.TableOperation) dag.SourceFactory {
	t.Helper()
	conn := &connectors.Replay{Table: table, Schema: schema, Cdc: types.FullChanges, Ops: ops}
	infos, err := conn.ListColumns(context.Background(), []connectors.TableIdentifier{{Name: table}})
	require.NoError(t, err)
	return &connectors.SourceAdapter{Connector: conn, Table: infos[0]}
}

func idvSchema(t *testing.T) types.Schema {
	t.Helper()
	s, err := types.NewSchema([]types.FieldDefinition{
		{Name: "id", Type: types.TypeInt},
		{Name: "v", Type: types.TypeInt},
	}, []int{0})
	require.NoError(t, err)
	return s
}

func r(vals ...int64) types.Record {
	out := make(types.Record, len(vals))
	for i, v := range vals {
		out[i] = types.NewInt(v)
	}
	return out
}

func intGt(column string, value int64) operators.ExprBuilder {
	return func(schema types.Schema) (expression.Expression, error) {
		col, err := expression.NewColumnByName(schema, column)
		if err != nil {
			return nil, err
		}
		return expression.NewBinary(expression.OpGt, col, expression.NewLiteral(types.NewInt(value)))
	}
}

// A full pipeline around the S1 selection scenario: replay source -> filter
// v > 10 -> recording sink, run to source exhaustion.
func TestPipelineSourceSelectSink(t *testing.T) {
	schema := idvSchema(t)
	ops := []types.TableOperation{
		{ID: idp(1), Op: types.Insert(r(1, 5))},
		{ID: idp(2), Op: types.Update(r(1, 5), r(1, 20))},
		{ID: idp(3), Op: types.Update(r(1, 20), r(1, 7))},
		{ID: idp(4), Op: types.Delete(r(1, 7))},
	}

	sink := sinks.NewRecordingSink()
	d, err := dag.NewBuilder().
		AddSource("src", replaySource(t, "t", schema, ops)).
		AddProcessor("filter", &operators.SelectionFactory{Predicate: intGt("v", 10)}).
		AddSink("out", sink).
		Connect("src", dag.DefaultPort, "filter", dag.DefaultPort).
		Connect("filter", dag.DefaultPort, "out", dag.DefaultPort).
		Build()
	require.NoError(t, err)

	runToCompletion(t, d, testConfig())

	got := sink.Operations()
	require.Len(t, got, 2)
	assert.Equal(t, types.OpInsert, got[0].Kind)
	assert.True(t, got[0].New.Equal(r(1, 20)))
	assert.Equal(t, types.OpDelete, got[1].Kind)
	assert.True(t, got[1].Old.Equal(r(1, 20)))

	assert.True(t, sink.Terminated(), "sink saw the terminate signal")
	require.NotEmpty(t, sink.Commits(), "at least the final epoch reaches the sink")

	// The final commit carries the source's last position.
	last := sink.Commits()[len(sink.Commits())-1]
	assert.Equal(t, uint64(4), last.SourcePositions["src"].TxID)
}

// Epoch markers and data interleave correctly through an aggregation, and
// the sink's materialized view converges to the true group totals.
func TestPipelineAggregateConverges(t *testing.T) {
	const rows = 500
	sink := sinks.NewRecordingSink()

	agg := &operators.AggregateFactory{
		GroupNames: []string{"k"},
		GroupBy:    []operators.ExprBuilder{operators.ColumnRef("k")},
		Aggs: []operators.AggSpec{
			{Func: operators.AggSum, Arg: operators.ColumnRef("n"), Name: "total"},
			{Func: operators.AggCountStar, Name: "rows"},
		},
	}

	gen := connectors.NewGenerator("events", rows, 0, 10)
	infos, err := gen.ListColumns(context.Background(), []connectors.TableIdentifier{{Name: "events"}})
	require.NoError(t, err)

	d, err := dag.NewBuilder().
		AddSource("gen", &connectors.SourceAdapter{Connector: gen, Table: infos[0]}).
		AddProcessor("agg", agg).
		AddSink("out", sink).
		Connect("gen", dag.DefaultPort, "agg", dag.DefaultPort).
		Connect("agg", dag.DefaultPort, "out", dag.DefaultPort).
		Build()
	require.NoError(t, err)

	runToCompletion(t, d, testConfig())

	final := materialize(t, sink.Operations())
	require.Len(t, final, 10)

	// Row i carries n = i % 100; key k<j> owns i in {j, j+10, ...}.
	for j := int64(0); j < 10; j++ {
		key := "k" + string(rune('0'+j))
		rec, ok := final[key]
		require.True(t, ok, "group %s missing", key)
		var want int64
		for i := int64(0); i < rows; i++ {
			if i%10 == j {
				want += i % 100
			}
		}
		assert.Equal(t, want, rec[1].Int, "sum of group %s", key)
		assert.Equal(t, int64(rows/10), rec[2].Int, "count of group %s", key)
	}
}

// materialize applies a keyed delta stream the way an upsert sink would.
func materialize(t *testing.T, ops []types.Operation) map[string]types.Record {
	t.Helper()
	out := make(map[string]types.Record)
	for _, op := range ops {
		switch op.Kind {
		case types.OpInsert:
			out[op.New[0].String()] = op.New
		case types.OpUpdate:
			delete(out, op.Old[0].String())
			out[op.New[0].String()] = op.New
		case types.OpDelete:
			delete(out, op.Old[0].String())
		default:
			t.Fatalf("unexpected op kind %v", op.Kind)
		}
	}
	return out
}

// Two sources into one join: the aligning receiver must hold back committed
// inputs without losing or reordering data.
func TestPipelineJoinTwoSources(t *testing.T) {
	left, err := types.NewSchema([]types.FieldDefinition{
		{Name: "id", Type: types.TypeInt},
		{Name: "a", Type: types.TypeInt},
	}, []int{0})
	require.NoError(t, err)
	right, err := types.NewSchema([]types.FieldDefinition{
		{Name: "lid", Type: types.TypeInt},
		{Name: "b", Type: types.TypeInt},
	}, []int{0})
	require.NoError(t, err)

	const n = 50
	var leftOps, rightOps []types.TableOperation
	for i := int64(0); i < n; i++ {
		leftOps = append(leftOps, types.TableOperation{ID: idp(uint64(i + 1)), Op: types.Insert(r(i, i*2))})
		rightOps = append(rightOps, types.TableOperation{ID: idp(uint64(i + 1)), Op: types.Insert(r(i, i*3))})
	}

	sink := sinks.NewRecordingSink()
	d, err := dag.NewBuilder().
		AddSource("l", replaySource(t, "l", left, leftOps)).
		AddSource("r", replaySource(t, "r", right, rightOps)).
		AddProcessor("join", &operators.JoinFactory{
			Type:      operators.JoinInner,
			LeftCols:  []string{"id"},
			RightCols: []string{"lid"},
		}).
		AddSink("out", sink).
		Connect("l", dag.DefaultPort, "join", operators.JoinLeftPort).
		Connect("r", dag.DefaultPort, "join", operators.JoinRightPort).
		Connect("join", dag.DefaultPort, "out", dag.DefaultPort).
		Build()
	require.NoError(t, err)

	runToCompletion(t, d, testConfig())

	got := sink.Operations()
	require.Len(t, got, n, "every key matches exactly once")
	seen := make(map[int64]bool)
	for _, op := range got {
		require.Equal(t, types.OpInsert, op.Kind)
		id := op.New[0].Int
		assert.Equal(t, id*2, op.New[1].Int)
		assert.Equal(t, id, op.New[2].Int)
		assert.Equal(t, id*3, op.New[3].Int)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	// Commits at the sink carry both sources' positions.
	last := sink.Commits()[len(sink.Commits())-1]
	assert.Equal(t, uint64(n), last.SourcePositions["l"].TxID)
	assert.Equal(t, uint64(n), last.SourcePositions["r"].TxID)
}

// slowSink simulates a slow external system.
type slowSink struct {
	*sinks.RecordingSink
	delay time.Duration
}

func (s *slowSink) Build(schema types.Schema) (dag.Sink, error) { return s, nil }

func (s *slowSink) OnOperation(op types.TableOperation) error {
	time.Sleep(s.delay)
	return s.RecordingSink.OnOperation(op)
}

// Scenario S6: fast source, slow sink, tiny channels. Backpressure must
// bound the pipeline without losing messages.
func TestPipelineBackpressureLosesNothing(t *testing.T) {
	const rows = 200
	sink := &slowSink{RecordingSink: sinks.NewRecordingSink(), delay: time.Millisecond}

	gen := connectors.NewGenerator("events", rows, 0, 10)
	infos, err := gen.ListColumns(context.Background(), []connectors.TableIdentifier{{Name: "events"}})
	require.NoError(t, err)

	d, err := dag.NewBuilder().
		AddSource("gen", &connectors.SourceAdapter{Connector: gen, Table: infos[0]}).
		AddSink("out", sink).
		Connect("gen", dag.DefaultPort, "out", dag.DefaultPort).
		Build()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ChannelCapacity = 4
	cfg.EpochInterval = 50 * time.Millisecond
	runToCompletion(t, d, cfg)

	got := sink.Operations()
	require.Len(t, got, rows, "no messages lost under backpressure")
	for i, op := range got {
		require.Equal(t, types.OpInsert, op.Kind)
		assert.Equal(t, int64(i), op.New[0].Int, "per-edge FIFO order preserved")
	}
}

// A failing sink aborts the whole DAG with an ExecutionError naming the node.
type failingSink struct {
	after int
	seen  int
}

func (s *failingSink) Build(types.Schema) (dag.Sink, error)  { return s, nil }
func (s *failingSink) OnSchema(dag.Port, types.Schema) error { return nil }
func (s *failingSink) OnCommit(types.Epoch) error            { return nil }
func (s *failingSink) OnTerminate() error                    { return nil }

func (s *failingSink) OnOperation(types.TableOperation) error {
	s.seen++
	if s.seen > s.after {
		return assert.AnError
	}
	return nil
}

func TestPipelineFatalSinkError(t *testing.T) {
	gen := connectors.NewGenerator("events", 100, 0, 10)
	infos, err := gen.ListColumns(context.Background(), []connectors.TableIdentifier{{Name: "events"}})
	require.NoError(t, err)

	d, err := dag.NewBuilder().
		AddSource("gen", &connectors.SourceAdapter{Connector: gen, Table: infos[0]}).
		AddSink("out", &failingSink{after: 10}).
		Connect("gen", dag.DefaultPort, "out", dag.DefaultPort).
		Build()
	require.NoError(t, err)

	exec, err := New(d, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = exec.Run(ctx)
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "out", execErr.Node)
}
