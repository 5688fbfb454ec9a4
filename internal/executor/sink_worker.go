package executor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/types"
)

// sinkWorker owns one sink node: apply deltas, flush on commit, acknowledge
// the epoch to the manager.
type sinkWorker struct {
	exec *Executor
	id   string
	sink dag.Sink
	in   *edgeChan
	log  zerolog.Logger
}

func (e *Executor) newSinkWorker(node *dag.Node, in *edgeChan) (*sinkWorker, error) {
	sink, err := node.Sink.Build(in.edge.Schema)
	if err != nil {
		return nil, err
	}
	if err := sink.OnSchema(in.edge.ToPort, in.edge.Schema); err != nil {
		return nil, err
	}
	return &sinkWorker{
		exec: e,
		id:   node.ID,
		sink: sink,
		in:   in,
		log:  e.log.With().Str("node", node.ID).Logger(),
	}, nil
}

func (w *sinkWorker) run(ctx context.Context) error {
	fail := func(err error) error {
		return &ExecutionError{Node: w.id, Cause: err}
	}

	for {
		select {
		case msg, ok := <-w.in.ch:
			if !ok {
				return w.terminate()
			}
			switch msg.Kind {
			case types.ExecOp:
				if err := w.sink.OnOperation(msg.Op); err != nil {
					return fail(err)
				}

			case types.ExecCommit:
				if err := w.sink.OnCommit(msg.Epoch); err != nil {
					return fail(err)
				}
				w.exec.mgr.Ack(msg.Epoch)

			case types.ExecSnapshottingStarted, types.ExecSnapshottingDone:
				w.log.Debug().Str("table", msg.Table).Str("kind", msg.Kind.String()).Msg("snapshot marker")

			case types.ExecTerminate:
				return w.terminate()
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *sinkWorker) terminate() error {
	if err := w.sink.OnTerminate(); err != nil {
		w.log.Warn().Err(err).Msg("sink terminate failed")
	}
	w.log.Debug().Msg("terminated")
	return nil
}
