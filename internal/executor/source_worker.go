package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/types"
)

// sourceWorker owns one source node: it runs the source's ingestion loop in a
// helper goroutine and interleaves epoch commit requests into the output
// stream.
type sourceWorker struct {
	exec *Executor
	id   string
	src  dag.Source
	outs []*edgeChan
	log  zerolog.Logger

	resumeFrom *types.OpIdentifier

	last     types.OpIdentifier
	haveLast bool
}

func (e *Executor) newSourceWorker(node *dag.Node, outs []*edgeChan, last types.Epoch, haveCkpt bool) (*sourceWorker, error) {
	src, err := node.Source.Build()
	if err != nil {
		return nil, err
	}
	w := &sourceWorker{
		exec: e,
		id:   node.ID,
		src:  src,
		outs: outs,
		log:  e.log.With().Str("node", node.ID).Logger(),
	}
	if haveCkpt {
		if pos, ok := last.SourcePositions[node.ID]; ok {
			p := pos
			w.resumeFrom = &p
			w.last = pos
			w.haveLast = true
		}
	}
	return w, nil
}

// ingestForwarder adapts the source contract onto the worker's internal
// channel. Pushes block when the worker (and transitively, downstream) is
// saturated: that is the backpressure path into the driver.
type ingestForwarder struct {
	ctx context.Context
	ch  chan<- types.ExecutorOperation
}

func (f *ingestForwarder) push(msg types.ExecutorOperation) error {
	select {
	case f.ch <- msg:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

func (f *ingestForwarder) Forward(op types.TableOperation) error {
	return f.push(types.NewExecOp(op))
}

func (f *ingestForwarder) SnapshottingStarted(table string) error {
	return f.push(types.NewSnapshottingStarted(table))
}

func (f *ingestForwarder) SnapshottingDone(table string, id *types.OpIdentifier) error {
	return f.push(types.NewSnapshottingDone(table, id))
}

func (w *sourceWorker) run(ctx context.Context) error {
	ingest := make(chan types.ExecutorOperation, w.exec.cfg.ChannelCapacity)
	srcErr := make(chan error, 1)

	srcCtx, stopSrc := context.WithCancel(ctx)
	defer stopSrc()

	go func() {
		err := w.src.Run(srcCtx, &ingestForwarder{ctx: srcCtx, ch: ingest}, w.resumeFrom)
		srcErr <- err
		close(ingest)
	}()

	commitCh := w.exec.mgr.CommitRequests(w.id)
	terminated := w.exec.mgr.Terminated()

	fail := func(err error) error {
		return &ExecutionError{Node: w.id, Cause: err}
	}

	// in goes nil once the source is exhausted; a nil channel drops its
	// select case.
	var in <-chan types.ExecutorOperation = ingest
	markExhausted := func() {
		in = nil
		w.log.Debug().Msg("source exhausted")
		w.exec.mgr.SourceExhausted(w.id)
	}

	for {
		select {
		case msg, ok := <-in:
			if !ok {
				markExhausted()
				continue
			}
			if err := w.emit(ctx, msg); err != nil {
				return fail(err)
			}

		case err := <-srcErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fail(fmt.Errorf("source driver: %w", err))
			}
			srcErr = nil // exhaustion is observed via the closed ingest channel

		case ep := <-commitCh:
			// Flush buffered ops first; the recorded position must cover
			// everything forwarded before the marker.
			if err := w.drainBuffered(ctx, &in); err != nil {
				return fail(err)
			}
			if err := w.commit(ctx, ep); err != nil {
				return fail(err)
			}

		case <-terminated:
			return w.terminate(ctx)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainBuffered forwards everything already sitting in the ingest buffer.
func (w *sourceWorker) drainBuffered(ctx context.Context, in *<-chan types.ExecutorOperation) error {
	for {
		if *in == nil {
			return nil
		}
		select {
		case msg, ok := <-*in:
			if !ok {
				*in = nil
				w.log.Debug().Msg("source exhausted")
				w.exec.mgr.SourceExhausted(w.id)
				return nil
			}
			if err := w.emit(ctx, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (w *sourceWorker) emit(ctx context.Context, msg types.ExecutorOperation) error {
	if msg.Kind == types.ExecOp && msg.Op.ID != nil {
		if w.haveLast && msg.Op.ID.Cmp(w.last) < 0 {
			return fmt.Errorf("%w: id %s after %s", ErrEpochOrderingViolation, msg.Op.ID, w.last)
		}
		w.last = *msg.Op.ID
		w.haveLast = true
	}
	if msg.Kind == types.ExecSnapshottingDone && msg.ID != nil {
		w.last = *msg.ID
		w.haveLast = true
	}
	metricOps.Add(1)
	if msg.Kind == types.ExecOp {
		return forwardPort(ctx, w.outs, msg.Op.Port, msg)
	}
	return forward(ctx, w.outs, msg)
}

func (w *sourceWorker) commit(ctx context.Context, ep types.Epoch) error {
	if w.haveLast {
		ep.SourcePositions[w.id] = w.last
	}
	w.log.Trace().Uint64("epoch", ep.ID).Msg("injecting commit")
	metricEpochs.Add(1)
	return forward(ctx, w.outs, types.NewCommit(ep))
}

func (w *sourceWorker) terminate(ctx context.Context) error {
	w.log.Debug().Msg("terminating")
	if err := forward(ctx, w.outs, types.NewTerminate()); err != nil {
		return err
	}
	for _, ec := range w.outs {
		close(ec.ch)
	}
	return nil
}
