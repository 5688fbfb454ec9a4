package pipeline

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tarungka/reflow/internal/connectors"
	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/oplog"
	"github.com/tarungka/reflow/internal/sinks"
)

// ConnectorBuilder creates a connector from its opaque connection config.
type ConnectorBuilder func(config map[string]string) (connectors.Connector, error)

// SinkBuilder creates a sink factory for an endpoint. logDir is the
// scheduler's log directory.
type SinkBuilder func(endpoint, logDir string, config map[string]string) (dag.SinkFactory, error)

var registry = struct {
	mu         sync.RWMutex
	connectors map[string]ConnectorBuilder
	sinks      map[string]SinkBuilder
}{
	connectors: make(map[string]ConnectorBuilder),
	sinks:      make(map[string]SinkBuilder),
}

// RegisterConnector makes a connector type available to configs. External
// driver packages call this from their init.
func RegisterConnector(name string, builder ConnectorBuilder) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.connectors[name] = builder
}

// RegisterSink makes a sink type available to configs.
func RegisterSink(name string, builder SinkBuilder) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.sinks[name] = builder
}

func createConnector(typ string, config map[string]string) (connectors.Connector, error) {
	registry.mu.RLock()
	builder, ok := registry.connectors[typ]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown connector type %q", typ)
	}
	return builder(config)
}

func createSink(typ, endpoint, logDir string, config map[string]string) (dag.SinkFactory, error) {
	registry.mu.RLock()
	builder, ok := registry.sinks[typ]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown sink type %q", typ)
	}
	return builder(endpoint, logDir, config)
}

func init() {
	RegisterConnector("generator", func(config map[string]string) (connectors.Connector, error) {
		var rows, keys uint64
		var interval time.Duration
		var err error
		if v, ok := config["rows"]; ok {
			if rows, err = strconv.ParseUint(v, 10, 64); err != nil {
				return nil, fmt.Errorf("pipeline: generator rows: %w", err)
			}
		}
		if v, ok := config["keys"]; ok {
			if keys, err = strconv.ParseUint(v, 10, 64); err != nil {
				return nil, fmt.Errorf("pipeline: generator keys: %w", err)
			}
		}
		if v, ok := config["interval"]; ok {
			if interval, err = time.ParseDuration(v); err != nil {
				return nil, fmt.Errorf("pipeline: generator interval: %w", err)
			}
		}
		return connectors.NewGenerator(config["table"], rows, interval, keys), nil
	})

	RegisterSink("log", func(endpoint, logDir string, config map[string]string) (dag.SinkFactory, error) {
		cfg := oplog.DefaultConfig()
		if v, ok := config["segment_size"]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("pipeline: log sink segment_size: %w", err)
			}
			cfg.SegmentSize = n
		}
		if logDir == "" {
			logDir = "data/log"
		}
		return sinks.NewLogSink(endpoint, logDir, cfg), nil
	})

	RegisterSink("stdout", func(endpoint, _ string, _ map[string]string) (dag.SinkFactory, error) {
		return &sinks.StdoutSink{Name: endpoint}, nil
	})
}
