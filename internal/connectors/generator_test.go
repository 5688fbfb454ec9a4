package connectors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/reflow/internal/types"
)

type capturingIngestor struct {
	ops       []types.TableOperation
	snapStart []string
	snapDone  []string
}

func (c *capturingIngestor) OperationEvent(id *types.OpIdentifier, op types.Operation, port uint16) error {
	c.ops = append(c.ops, types.TableOperation{ID: id, Op: op, Port: port})
	return nil
}

func (c *capturingIngestor) SnapshottingStarted(table string) error {
	c.snapStart = append(c.snapStart, table)
	return nil
}

func (c *capturingIngestor) SnapshottingDone(table string, _ *types.OpIdentifier) error {
	c.snapDone = append(c.snapDone, table)
	return nil
}

func TestGeneratorEmitsMonotonicIdentifiers(t *testing.T) {
	g := NewGenerator("events", 25, 0, 5)
	ing := &capturingIngestor{}
	require.NoError(t, g.Start(context.Background(), ing, nil, nil))

	require.Len(t, ing.ops, 25)
	assert.Equal(t, []string{"events"}, ing.snapStart)
	assert.Equal(t, []string{"events"}, ing.snapDone)

	var last types.OpIdentifier
	for i, top := range ing.ops {
		require.NotNil(t, top.ID)
		if i > 0 {
			assert.Positive(t, top.ID.Cmp(last), "identifiers must increase")
		}
		last = *top.ID
		require.Equal(t, types.OpInsert, top.Op.Kind)
		require.NoError(t, top.Op.New.Check(mustSchema(t, g)))
	}
}

func TestGeneratorResumesStrictlyAfterPosition(t *testing.T) {
	g := NewGenerator("events", 10, 0, 5)
	ing := &capturingIngestor{}
	resume := &types.OpIdentifier{TxID: 6}
	require.NoError(t, g.Start(context.Background(), ing, nil, resume))

	require.Len(t, ing.ops, 3, "rows 7..9 remain")
	assert.Equal(t, uint64(7), ing.ops[0].ID.TxID)
	assert.Empty(t, ing.snapStart, "no snapshot markers on resume")
}

func TestGeneratorSchemaContract(t *testing.T) {
	g := NewGenerator("", 1, 0, 0)
	assert.Equal(t, "events", g.Table)

	tables, err := g.ListTables(context.Background())
	require.NoError(t, err)
	require.Len(t, tables, 1)

	infos, err := g.ListColumns(context.Background(), tables)
	require.NoError(t, err)
	require.Len(t, infos[0].ColumnNames, 4)

	schemas, err := g.GetSchemas(context.Background(), infos)
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, types.Nothing, schemas[0].Cdc)
	require.NoError(t, schemas[0].Schema.Validate())
}

func mustSchema(t *testing.T, g *Generator) types.Schema {
	t.Helper()
	schemas, err := g.GetSchemas(context.Background(), []TableInfo{{Name: g.Table}})
	require.NoError(t, err)
	require.NotEmpty(t, schemas)
	return schemas[0].Schema
}
