package sinks

import (
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/encoding"
	"github.com/tarungka/reflow/internal/logger"
	"github.com/tarungka/reflow/internal/oplog"
	"github.com/tarungka/reflow/internal/types"
)

// LogSink writes every downstream delta into the endpoint's append-only
// operation log. An epoch commit syncs the log, so everything at or before a
// durable epoch is on disk; entries after the last durable epoch may be
// replayed after a crash, which is the documented at-least-once window.
type LogSink struct {
	Endpoint string
	Dir      string
	Config   oplog.Config

	log      zerolog.Logger
	oplog    *oplog.Log
	schemaID uint32
	// epoch the in-flight entries will commit under
	currentEpoch uint64
}

// NewLogSink creates the factory for one endpoint under the log root dir.
func NewLogSink(endpoint, dir string, cfg oplog.Config) *LogSink {
	return &LogSink{Endpoint: endpoint, Dir: dir, Config: cfg}
}

func (s *LogSink) Build(schema types.Schema) (dag.Sink, error) {
	l, err := oplog.Open(filepath.Join(s.Dir, s.Endpoint), s.Config)
	if err != nil {
		return nil, err
	}
	s.oplog = l
	s.schemaID = encoding.SchemaID(schema)
	s.log = logger.GetLogger("log-sink").With().Str("endpoint", s.Endpoint).Logger()
	return s, nil
}

// Log exposes the underlying operation log for readers (the status server
// and tests).
func (s *LogSink) Log() *oplog.Log { return s.oplog }

func (s *LogSink) OnSchema(_ dag.Port, schema types.Schema) error {
	s.schemaID = encoding.SchemaID(schema)
	return nil
}

func (s *LogSink) OnOperation(op types.TableOperation) error {
	_, err := s.oplog.Append(s.currentEpoch+1, encoding.EncodeOperation(s.schemaID, op.Op))
	return err
}

func (s *LogSink) OnCommit(epoch types.Epoch) error {
	s.currentEpoch = epoch.ID
	if err := s.oplog.Sync(); err != nil {
		return err
	}
	s.log.Trace().Uint64("epoch", epoch.ID).Uint64("next_seq", s.oplog.NextSeq()).Msg("log synced")
	return nil
}

func (s *LogSink) OnTerminate() error {
	return s.oplog.Close()
}
