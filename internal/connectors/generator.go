package connectors

import (
	"context"
	"strconv"
	"time"

	"github.com/tarungka/reflow/internal/types"
)

// Generator is the built-in development connector: a deterministic row
// generator with a fixed schema. It supports resumption, so restart tests and
// demos can exercise the full checkpoint path without an external system.
type Generator struct {
	// Table is the emitted table name.
	Table string
	// Rows is the total number of rows to emit; 0 means unbounded.
	Rows uint64
	// Interval paces emission; 0 emits as fast as downstream accepts.
	Interval time.Duration
	// Keys cycles the `k` column through this many distinct values.
	Keys uint64
}

func NewGenerator(table string, rows uint64, interval time.Duration, keys uint64) *Generator {
	if table == "" {
		table = "events"
	}
	if keys == 0 {
		keys = 10
	}
	return &Generator{Table: table, Rows: rows, Interval: interval, Keys: keys}
}

func (g *Generator) schema() types.Schema {
	return types.Schema{
		Fields: []types.FieldDefinition{
			{Name: "id", Type: types.TypeInt},
			{Name: "k", Type: types.TypeString},
			{Name: "n", Type: types.TypeInt},
			{Name: "ts", Type: types.TypeTimestamp},
		},
		PrimaryIndex: []int{0},
	}
}

func (g *Generator) TypesMapping() []TypeMapping {
	intType := types.TypeInt
	strType := types.TypeString
	tsType := types.TypeTimestamp
	return []TypeMapping{
		{ExternalType: "int", Type: &intType},
		{ExternalType: "string", Type: &strType},
		{ExternalType: "timestamp", Type: &tsType},
	}
}

func (g *Generator) ValidateConnection(context.Context) error { return nil }

func (g *Generator) ListTables(context.Context) ([]TableIdentifier, error) {
	return []TableIdentifier{{Name: g.Table}}, nil
}

func (g *Generator) ListColumns(_ context.Context, tables []TableIdentifier) ([]TableInfo, error) {
	out := make([]TableInfo, len(tables))
	for i, t := range tables {
		out[i] = TableInfo{Schema: t.Schema, Name: t.Name, ColumnNames: []string{"id", "k", "n", "ts"}}
	}
	return out, nil
}

func (g *Generator) GetSchemas(_ context.Context, tables []TableInfo) ([]SourceSchema, error) {
	out := make([]SourceSchema, len(tables))
	for i := range tables {
		out[i] = SourceSchema{Schema: g.schema(), Cdc: types.Nothing}
	}
	return out, nil
}

func (g *Generator) Start(ctx context.Context, ingestor Ingestor, tables []TableInfo, resumeFrom *types.OpIdentifier) error {
	table := g.Table
	if len(tables) > 0 {
		table = tables[0].Name
	}

	var next uint64
	if resumeFrom != nil {
		next = resumeFrom.TxID + 1
	}
	if next == 0 {
		if err := ingestor.SnapshottingStarted(table); err != nil {
			return err
		}
		if err := ingestor.SnapshottingDone(table, nil); err != nil {
			return err
		}
	}

	var ticker *time.Ticker
	if g.Interval > 0 {
		ticker = time.NewTicker(g.Interval)
		defer ticker.Stop()
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := next; g.Rows == 0 || i < g.Rows; i++ {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		id := types.OpIdentifier{TxID: i, SeqInTx: 0}
		rec := types.Record{
			types.NewInt(int64(i)),
			types.NewString("k" + strconv.FormatUint(i%g.Keys, 10)),
			types.NewInt(int64(i % 100)),
			types.NewTimestamp(base.Add(time.Duration(i) * time.Second)),
		}
		if err := ingestor.OperationEvent(&id, types.Insert(rec), 0); err != nil {
			return err
		}
	}
	return nil
}
