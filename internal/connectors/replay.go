package connectors

import (
	"context"

	"github.com/tarungka/reflow/internal/types"
)

// Replay feeds a recorded stream of operations. It backs the record-and-
// replay test harness: a run is captured once, then replayed from any
// checkpointed position to verify deterministic resumption.
type Replay struct {
	Table  string
	Schema types.Schema
	Cdc    types.CdcType
	Ops    []types.TableOperation
}

func (r *Replay) TypesMapping() []TypeMapping { return nil }

func (r *Replay) ValidateConnection(context.Context) error { return nil }

func (r *Replay) ListTables(context.Context) ([]TableIdentifier, error) {
	return []TableIdentifier{{Name: r.Table}}, nil
}

func (r *Replay) ListColumns(_ context.Context, tables []TableIdentifier) ([]TableInfo, error) {
	names := make([]string, len(r.Schema.Fields))
	for i, f := range r.Schema.Fields {
		names[i] = f.Name
	}
	out := make([]TableInfo, len(tables))
	for i, t := range tables {
		out[i] = TableInfo{Schema: t.Schema, Name: t.Name, ColumnNames: names}
	}
	return out, nil
}

func (r *Replay) GetSchemas(_ context.Context, tables []TableInfo) ([]SourceSchema, error) {
	out := make([]SourceSchema, len(tables))
	for i := range tables {
		out[i] = SourceSchema{Schema: r.Schema, Cdc: r.Cdc}
	}
	return out, nil
}

func (r *Replay) Start(ctx context.Context, ingestor Ingestor, _ []TableInfo, resumeFrom *types.OpIdentifier) error {
	for _, top := range r.Ops {
		if resumeFrom != nil && top.ID != nil && top.ID.Cmp(*resumeFrom) <= 0 {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := ingestor.OperationEvent(top.ID, top.Op, top.Port); err != nil {
			return err
		}
	}
	return nil
}
