// Package sinks holds the engine's in-process sinks: the operation log sink
// external API servers read from, plus small recording sinks used by tests
// and demos. External system sinks implement dag.Sink outside this repo.
package sinks

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/logger"
	"github.com/tarungka/reflow/internal/types"
)

// StdoutSink prints every delta; useful for demos and debugging pipelines.
type StdoutSink struct {
	Name string
	log  zerolog.Logger
}

func (s *StdoutSink) Build(types.Schema) (dag.Sink, error) {
	s.log = logger.GetLogger("sink").With().Str("endpoint", s.Name).Logger()
	return s, nil
}

func (s *StdoutSink) OnSchema(port dag.Port, schema types.Schema) error {
	s.log.Info().Uint16("port", port).Int("columns", len(schema.Fields)).Msg("schema bound")
	return nil
}

func (s *StdoutSink) OnOperation(op types.TableOperation) error {
	fmt.Println(op.Op.String())
	return nil
}

func (s *StdoutSink) OnCommit(epoch types.Epoch) error {
	s.log.Debug().Uint64("epoch", epoch.ID).Msg("commit")
	return nil
}

func (s *StdoutSink) OnTerminate() error { return nil }

// RecordingSink captures everything it receives; the scenario tests assert
// against its contents.
type RecordingSink struct {
	mu      sync.Mutex
	ops     []types.TableOperation
	commits []types.Epoch
	done    bool
}

func NewRecordingSink() *RecordingSink { return &RecordingSink{} }

func (s *RecordingSink) Build(types.Schema) (dag.Sink, error) { return s, nil }

func (s *RecordingSink) OnSchema(dag.Port, types.Schema) error { return nil }

func (s *RecordingSink) OnOperation(op types.TableOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return nil
}

func (s *RecordingSink) OnCommit(epoch types.Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, epoch.Clone())
	return nil
}

func (s *RecordingSink) OnTerminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	return nil
}

func (s *RecordingSink) Operations() []types.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Operation, len(s.ops))
	for i, top := range s.ops {
		out[i] = top.Op
	}
	return out
}

func (s *RecordingSink) Commits() []types.Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Epoch, len(s.commits))
	copy(out, s.commits)
	return out
}

func (s *RecordingSink) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
