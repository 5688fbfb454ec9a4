package connectors

import (
	"context"
	"fmt"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/types"
)

// SourceAdapter turns a Connector plus its selected table into a DAG source
// node factory.
type SourceAdapter struct {
	Connector Connector
	Table     TableInfo
}

func (a *SourceAdapter) OutputSchemas() (map[dag.Port]types.Schema, error) {
	schemas, err := a.Connector.GetSchemas(context.Background(), []TableInfo{a.Table})
	if err != nil {
		return nil, err
	}
	if len(schemas) != 1 {
		return nil, fmt.Errorf("connectors: %d schemas for table %s", len(schemas), a.Table.Name)
	}
	return map[dag.Port]types.Schema{dag.DefaultPort: schemas[0].Schema}, nil
}

func (a *SourceAdapter) Build() (dag.Source, error) {
	schemas, err := a.Connector.GetSchemas(context.Background(), []TableInfo{a.Table})
	if err != nil {
		return nil, err
	}
	cdc := types.FullChanges
	if len(schemas) == 1 {
		cdc = schemas[0].Cdc
	}
	return &connectorSource{connector: a.Connector, table: a.Table, cdc: cdc}, nil
}

// connectorSource runs the connector and bridges Ingestor onto the executor's
// forwarder.
type connectorSource struct {
	connector Connector
	table     TableInfo
	cdc       types.CdcType
}

func (s *connectorSource) Run(ctx context.Context, fw dag.SourceForwarder, resumeFrom *types.OpIdentifier) error {
	return s.connector.Start(ctx, &forwarderIngestor{fw: fw, cdc: s.cdc}, []TableInfo{s.table}, resumeFrom)
}

type forwarderIngestor struct {
	fw  dag.SourceForwarder
	cdc types.CdcType
}

func (i *forwarderIngestor) OperationEvent(id *types.OpIdentifier, op types.Operation, port uint16) error {
	// Append-only sources cannot retract.
	if i.cdc == types.Nothing && op.Kind != types.OpInsert && op.Kind != types.OpBatchInsert {
		return fmt.Errorf("connectors: %s source emitted %s", i.cdc, op.Kind)
	}
	return i.fw.Forward(types.TableOperation{ID: id, Op: op, Port: port})
}

func (i *forwarderIngestor) SnapshottingStarted(table string) error {
	return i.fw.SnapshottingStarted(table)
}

func (i *forwarderIngestor) SnapshottingDone(table string, id *types.OpIdentifier) error {
	return i.fw.SnapshottingDone(table, id)
}
