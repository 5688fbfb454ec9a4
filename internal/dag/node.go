// Package dag models the processing graph: source, processor and sink nodes
// connected by typed edges. The builder validates the topology and propagates
// schemas edge by edge; the executor turns the built graph into running
// workers.
package dag

import (
	"context"

	"github.com/tarungka/reflow/internal/state"
	"github.com/tarungka/reflow/internal/types"
)

// Port identifies an input or output port of a node.
type Port = uint16

// DefaultPort is the single port of one-input/one-output nodes.
const DefaultPort Port = 0

// NodeKind discriminates node behavior.
type NodeKind uint8

const (
	KindSource NodeKind = iota
	KindProcessor
	KindSink
)

func (k NodeKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindProcessor:
		return "processor"
	case KindSink:
		return "sink"
	default:
		return "unknown"
	}
}

// SourceForwarder is handed to a running source to emit ingestion messages.
// Forward blocks when downstream is saturated; that is the backpressure path.
type SourceForwarder interface {
	Forward(op types.TableOperation) error
	SnapshottingStarted(table string) error
	SnapshottingDone(table string, id *types.OpIdentifier) error
}

// Source drives ingestion for one source node. Run blocks until the source is
// exhausted (return nil) or fails. resumeFrom is the position recorded at the
// last durable epoch; ops at or before it must not be re-emitted.
type Source interface {
	Run(ctx context.Context, fw SourceForwarder, resumeFrom *types.OpIdentifier) error
}

// Processor transforms operations. Process is called from a single goroutine;
// implementations own their state store exclusively.
type Processor interface {
	// Process consumes one operation from an input port and returns the
	// resulting downstream operations, tagged with output ports.
	Process(from Port, op types.TableOperation) ([]types.TableOperation, error)

	// Commit is called at an epoch boundary after all inputs aligned. The
	// processor flushes buffered output (returning it) and its store commit
	// is handled by the worker that owns the store.
	Commit(epoch types.Epoch) ([]types.TableOperation, error)

	Close() error
}

// Sink applies operations to an external system.
type Sink interface {
	OnSchema(port Port, schema types.Schema) error
	OnOperation(op types.TableOperation) error
	// OnCommit flushes buffered external writes; returning nil acknowledges
	// the epoch.
	OnCommit(epoch types.Epoch) error
	OnTerminate() error
}

// SourceFactory declares a source node's schema surface and builds its
// runtime.
type SourceFactory interface {
	// OutputSchemas returns one schema per output port.
	OutputSchemas() (map[Port]types.Schema, error)
	Build() (Source, error)
}

// ProcessorFactory declares schema propagation and builds the runtime
// processor once input schemas are known.
type ProcessorFactory interface {
	// OutputSchemas maps fully populated input schemas to output schemas.
	// Missing or surplus input ports fail the build.
	OutputSchemas(inputs map[Port]types.Schema) (map[Port]types.Schema, error)

	// Stateful reports whether the processor needs a persistent store. The
	// executor only opens a store for stateful processors.
	Stateful() bool

	// Build constructs the processor. store is nil for stateless processors.
	Build(inputs map[Port]types.Schema, store *state.EpochStore) (Processor, error)
}

// SinkFactory builds a sink once its single input schema is known.
type SinkFactory interface {
	Build(schema types.Schema) (Sink, error)
}
