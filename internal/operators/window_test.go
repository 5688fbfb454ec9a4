package operators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/types"
)

func tsSchema(t *testing.T) types.Schema {
	t.Helper()
	s, err := types.NewSchema([]types.FieldDefinition{
		{Name: "ts", Type: types.TypeTimestamp},
		{Name: "v", Type: types.TypeInt},
	}, nil)
	require.NoError(t, err)
	return s
}

func at(t *testing.T, value string) types.Field {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return types.NewTimestamp(ts)
}

// Scenario S4: TUMBLE(60s) assigns each row to exactly one window aligned on
// the minute.
func TestTumbleWindow(t *testing.T) {
	f := &WindowFactory{Kind: WindowTumble, TimeCol: "ts", Size: time.Minute}
	p, out := buildProcessor(t, f, map[dag.Port]types.Schema{0: tsSchema(t)})

	require.Len(t, out.Fields, 4)
	assert.Equal(t, "window_start", out.Fields[2].Name)
	assert.Equal(t, "window_end", out.Fields[3].Name)

	got := feed(t, p, 0, types.Insert(rec(at(t, "2024-01-01T00:00:15Z"), types.NewInt(1))))
	requireOps(t, got, types.Insert(rec(
		at(t, "2024-01-01T00:00:15Z"), types.NewInt(1),
		at(t, "2024-01-01T00:00:00Z"), at(t, "2024-01-01T00:01:00Z"),
	)))

	got = feed(t, p, 0, types.Insert(rec(at(t, "2024-01-01T00:01:05Z"), types.NewInt(2))))
	requireOps(t, got, types.Insert(rec(
		at(t, "2024-01-01T00:01:05Z"), types.NewInt(2),
		at(t, "2024-01-01T00:01:00Z"), at(t, "2024-01-01T00:02:00Z"),
	)))
}

// HOP(size=60s, hop=20s) puts one row into ceil(size/hop) = 3 windows.
func TestHopWindow(t *testing.T) {
	f := &WindowFactory{Kind: WindowHop, TimeCol: "ts", Size: time.Minute, Hop: 20 * time.Second}
	p, _ := buildProcessor(t, f, map[dag.Port]types.Schema{0: tsSchema(t)})

	got := feed(t, p, 0, types.Insert(rec(at(t, "2024-01-01T00:01:05Z"), types.NewInt(1))))
	require.Len(t, got, 3)

	starts := make([]string, len(got))
	for i, op := range got {
		require.Equal(t, types.OpInsert, op.Kind)
		starts[i] = op.New[2].Timestamp.Format("15:04:05")
		// every window contains the row's timestamp
		assert.False(t, op.New[2].Timestamp.After(got[i].New[0].Timestamp))
		assert.True(t, op.New[3].Timestamp.After(got[i].New[0].Timestamp))
	}
	assert.Equal(t, []string{"00:00:20", "00:00:40", "00:01:00"}, starts)
}

func TestTumbleUpdateWithinWindow(t *testing.T) {
	f := &WindowFactory{Kind: WindowTumble, TimeCol: "ts", Size: time.Minute}
	p, _ := buildProcessor(t, f, map[dag.Port]types.Schema{0: tsSchema(t)})

	got := feed(t, p, 0, types.Update(
		rec(at(t, "2024-01-01T00:00:10Z"), types.NewInt(1)),
		rec(at(t, "2024-01-01T00:00:50Z"), types.NewInt(2)),
	))
	// Same window on both sides stays one update.
	require.Len(t, got, 1)
	require.Equal(t, types.OpUpdate, got[0].Kind)
}

func TestTumbleUpdateCrossingWindows(t *testing.T) {
	f := &WindowFactory{Kind: WindowTumble, TimeCol: "ts", Size: time.Minute}
	p, _ := buildProcessor(t, f, map[dag.Port]types.Schema{0: tsSchema(t)})

	got := feed(t, p, 0, types.Update(
		rec(at(t, "2024-01-01T00:00:10Z"), types.NewInt(1)),
		rec(at(t, "2024-01-01T00:01:10Z"), types.NewInt(1)),
	))
	require.Len(t, got, 2)
	assert.Equal(t, types.OpDelete, got[0].Kind)
	assert.Equal(t, types.OpInsert, got[1].Kind)
}

func TestWindowRejectsNonTimestampColumn(t *testing.T) {
	f := &WindowFactory{Kind: WindowTumble, TimeCol: "v", Size: time.Minute}
	_, err := f.OutputSchemas(map[dag.Port]types.Schema{0: tsSchema(t)})
	require.Error(t, err)
}

func TestUnionForwardsEverything(t *testing.T) {
	schema := tsSchema(t)
	f := &UnionFactory{Inputs: 2}
	p, out := buildProcessor(t, f, map[dag.Port]types.Schema{0: schema, 1: schema})
	assert.Empty(t, out.PrimaryIndex, "union clears the primary key")

	in := types.Insert(rec(at(t, "2024-01-01T00:00:00Z"), types.NewInt(1)))
	requireOps(t, feed(t, p, 0, in), in)
	requireOps(t, feed(t, p, 1, in), in)
}

func TestUnionRejectsShapeMismatch(t *testing.T) {
	other, err := types.NewSchema([]types.FieldDefinition{
		{Name: "a", Type: types.TypeString},
		{Name: "b", Type: types.TypeInt},
	}, nil)
	require.NoError(t, err)

	f := &UnionFactory{Inputs: 2}
	_, err = f.OutputSchemas(map[dag.Port]types.Schema{0: tsSchema(t), 1: other})
	require.ErrorIs(t, err, dag.ErrSchemaMismatch)
}
