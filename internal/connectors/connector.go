// Package connectors defines the driver-facing source contract and the
// in-process connectors the engine ships with. Real database drivers live
// outside this repository; they implement Connector and get wired in through
// the pipeline registry.
package connectors

import (
	"context"
	"errors"

	"github.com/tarungka/reflow/internal/types"
)

// ErrConnection is the validation failure class for unreachable sources.
var ErrConnection = errors.New("connectors: connection failed")

// TableIdentifier names a table, optionally schema-qualified.
type TableIdentifier struct {
	Schema string
	Name   string
}

// TableInfo is a table plus the columns selected for ingestion.
type TableInfo struct {
	Schema      string
	Name        string
	ColumnNames []string
}

// TypeMapping maps an external type name onto an engine field type; a nil
// Type means the external type is unsupported and columns of it are skipped.
type TypeMapping struct {
	ExternalType string
	Type         *types.FieldType
}

// SourceSchema is a table's resolved schema plus the change fidelity the
// source can provide for it.
type SourceSchema struct {
	Schema types.Schema
	Cdc    types.CdcType
}

// Ingestor receives the messages a running connector produces. Calls block
// when the pipeline is saturated.
type Ingestor interface {
	// OperationEvent delivers one change event. id carries durable source
	// progress and must be monotonically non-decreasing; nil is allowed for
	// snapshot records.
	OperationEvent(id *types.OpIdentifier, op types.Operation, port uint16) error
	SnapshottingStarted(table string) error
	SnapshottingDone(table string, id *types.OpIdentifier) error
}

// Connector is the source driver contract.
type Connector interface {
	TypesMapping() []TypeMapping
	ValidateConnection(ctx context.Context) error
	ListTables(ctx context.Context) ([]TableIdentifier, error)
	ListColumns(ctx context.Context, tables []TableIdentifier) ([]TableInfo, error)
	GetSchemas(ctx context.Context, tables []TableInfo) ([]SourceSchema, error)

	// Start drives emission until the context is cancelled, the connector is
	// exhausted (return nil) or fails. resumeFrom is the position recorded at
	// the last durable epoch; only events strictly after it may be emitted.
	Start(ctx context.Context, ingestor Ingestor, tables []TableInfo, resumeFrom *types.OpIdentifier) error
}
