package executor

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/operators"
	"github.com/tarungka/reflow/internal/state"
	"github.com/tarungka/reflow/internal/types"
)

// inputState tracks one input edge of an aligning node.
type inputState struct {
	ec      *edgeChan
	done    bool
	pending *types.Epoch // non-nil while stalled on an epoch marker
}

// processorWorker owns one processor node. With multiple inputs it aligns
// epoch markers: after Commit(E) arrives on one input, that input is held
// back until every other live input reaches E.
type processorWorker struct {
	exec  *Executor
	id    string
	proc  dag.Processor
	store *state.EpochStore // nil for stateless processors
	ins   []*inputState
	outs  []*edgeChan
	log   zerolog.Logger
}

func (e *Executor) newProcessorWorker(node *dag.Node, ins, outs []*edgeChan, last types.Epoch, haveCkpt bool) (*processorWorker, error) {
	inputs := make(map[dag.Port]types.Schema, len(ins))
	for _, ec := range ins {
		inputs[ec.edge.ToPort] = ec.edge.Schema
	}

	var store *state.EpochStore
	if node.Processor.Stateful() {
		var err error
		store, err = e.openStore(node.ID, last, haveCkpt)
		if err != nil {
			return nil, err
		}
	}

	proc, err := node.Processor.Build(inputs, store)
	if err != nil {
		return nil, err
	}

	states := make([]*inputState, len(ins))
	for i, ec := range ins {
		states[i] = &inputState{ec: ec}
	}
	return &processorWorker{
		exec:  e,
		id:    node.ID,
		proc:  proc,
		store: store,
		ins:   states,
		outs:  outs,
		log:   e.log.With().Str("node", node.ID).Logger(),
	}, nil
}

func (w *processorWorker) run(ctx context.Context) error {
	fail := func(err error) error {
		return &ExecutionError{Node: w.id, Cause: err}
	}

	for {
		if w.allDone() {
			return w.terminate(ctx)
		}

		if w.allStalled() {
			if err := w.commit(ctx); err != nil {
				return fail(err)
			}
			continue
		}

		idx, msg, ok := w.receive(ctx)
		if idx < 0 {
			return ctx.Err()
		}
		in := w.ins[idx]
		if !ok {
			in.done = true
			continue
		}

		switch msg.Kind {
		case types.ExecOp:
			op := msg.Op
			op.Port = in.ec.edge.ToPort
			results, err := w.proc.Process(op.Port, op)
			if err != nil {
				if operators.IsRecordError(err) && w.exec.cfg.ErrorPolicy == PolicyDrop {
					metricRecordErrors.Add(1)
					w.log.Warn().Err(err).Msg("dropping record")
					continue
				}
				return fail(err)
			}
			for _, res := range results {
				metricOps.Add(1)
				if err := forwardPort(ctx, w.outs, res.Port, types.NewExecOp(res)); err != nil {
					return fail(err)
				}
			}

		case types.ExecCommit:
			if in.pending != nil {
				return fail(fmt.Errorf("%w: commit %d while %d pending", ErrEpochOrderingViolation, msg.Epoch.ID, in.pending.ID))
			}
			ep := msg.Epoch.Clone()
			in.pending = &ep

		case types.ExecSnapshottingStarted, types.ExecSnapshottingDone:
			if err := forward(ctx, w.outs, msg); err != nil {
				return fail(err)
			}

		case types.ExecTerminate:
			in.done = true
		}
	}
}

// receive blocks on every live, unstalled input at once. Stalled inputs are
// excluded, which is what makes upstream block once the channel fills: epoch
// alignment and backpressure are the same mechanism.
func (w *processorWorker) receive(ctx context.Context) (int, types.ExecutorOperation, bool) {
	cases := make([]reflect.SelectCase, 0, len(w.ins)+1)
	indexes := make([]int, 0, len(w.ins))
	for i, in := range w.ins {
		if in.done || in.pending != nil {
			continue
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(in.ec.ch),
		})
		indexes = append(indexes, i)
	}
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	})

	chosen, value, ok := reflect.Select(cases)
	if chosen == len(cases)-1 {
		return -1, types.ExecutorOperation{}, false
	}
	if !ok {
		return indexes[chosen], types.ExecutorOperation{}, false
	}
	return indexes[chosen], value.Interface().(types.ExecutorOperation), true
}

func (w *processorWorker) allDone() bool {
	for _, in := range w.ins {
		if !in.done {
			return false
		}
	}
	return true
}

// allStalled reports whether every live input holds a pending epoch marker.
func (w *processorWorker) allStalled() bool {
	live := 0
	for _, in := range w.ins {
		if in.done {
			continue
		}
		live++
		if in.pending == nil {
			return false
		}
	}
	return live > 0
}

// commit fires once Commit(E) arrived on all live inputs: flush, persist,
// forward, resume.
func (w *processorWorker) commit(ctx context.Context) error {
	var merged *types.Epoch
	for _, in := range w.ins {
		if in.done || in.pending == nil {
			continue
		}
		if merged == nil {
			ep := in.pending.Clone()
			merged = &ep
			continue
		}
		if in.pending.ID != merged.ID {
			return fmt.Errorf("%w: inputs stalled at epochs %d and %d", ErrEpochOrderingViolation, merged.ID, in.pending.ID)
		}
		merged.Merge(*in.pending)
	}
	if merged == nil {
		return fmt.Errorf("commit with no pending inputs")
	}

	flushed, err := w.proc.Commit(*merged)
	if err != nil {
		return err
	}
	for _, res := range flushed {
		if err := forwardPort(ctx, w.outs, res.Port, types.NewExecOp(res)); err != nil {
			return err
		}
	}
	if w.store != nil {
		if err := w.store.Commit(merged.ID); err != nil {
			return fmt.Errorf("state persistence: %w", err)
		}
	}
	if err := forward(ctx, w.outs, types.NewCommit(*merged)); err != nil {
		return err
	}

	w.log.Trace().Uint64("epoch", merged.ID).Msg("committed")
	for _, in := range w.ins {
		in.pending = nil
	}
	return nil
}

func (w *processorWorker) terminate(ctx context.Context) error {
	if err := w.proc.Close(); err != nil {
		w.log.Warn().Err(err).Msg("processor close failed")
	}
	if err := forward(ctx, w.outs, types.NewTerminate()); err != nil {
		return &ExecutionError{Node: w.id, Cause: err}
	}
	for _, ec := range w.outs {
		close(ec.ch)
	}
	w.log.Debug().Msg("terminated")
	return nil
}
