// Package executor runs a built DAG: one worker goroutine per node, bounded
// channels per edge, epoch alignment at multi-input nodes and state commits
// at epoch boundaries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tarungka/reflow/internal/checkpoint"
	"github.com/tarungka/reflow/internal/dag"
	"github.com/tarungka/reflow/internal/epoch"
	"github.com/tarungka/reflow/internal/logger"
	"github.com/tarungka/reflow/internal/state"
	"github.com/tarungka/reflow/internal/types"
)

// ErrorPolicy decides what happens to per-record failures.
type ErrorPolicy string

const (
	// PolicyDrop logs the record error and keeps going.
	PolicyDrop ErrorPolicy = "drop"
	// PolicyFail aborts the pipeline on the first record error.
	PolicyFail ErrorPolicy = "fail"
)

// Config tunes the executor.
type Config struct {
	// ChannelCapacity bounds every edge channel.
	ChannelCapacity int
	EpochInterval   time.Duration
	CommitTimeout   time.Duration
	// GraceWindow bounds draining after Stop before the run is aborted.
	GraceWindow time.Duration
	// StateDir holds operator state and the checkpoint store. Empty means
	// fully in-memory: no durability, no restart.
	StateDir    string
	Backend     state.BackendType
	ErrorPolicy ErrorPolicy
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		ChannelCapacity: 20,
		EpochInterval:   time.Second,
		CommitTimeout:   30 * time.Second,
		GraceWindow:     30 * time.Second,
		Backend:         state.BackendBadger,
		ErrorPolicy:     PolicyDrop,
	}
}

// ExecutionError is the fatal error surface: which node failed and why.
type ExecutionError struct {
	Node  string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executor: node %q: %v", e.Node, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// ErrEpochOrderingViolation flags a source emitting non-monotone identifiers.
var ErrEpochOrderingViolation = errors.New("executor: epoch ordering violation")

// edgeChan is one runtime edge: its static description plus the channel.
type edgeChan struct {
	edge *dag.Edge
	ch   chan types.ExecutorOperation
}

// Executor owns one pipeline run.
type Executor struct {
	d    *dag.Dag
	cfg  Config
	log  zerolog.Logger
	ckpt *checkpoint.Store

	mu     sync.Mutex
	mgr    *epoch.Manager
	cancel context.CancelFunc

	runID uuid.UUID

	closers []func() error
}

// New prepares an executor for the given graph.
func New(d *dag.Dag, cfg Config) (*Executor, error) {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = DefaultConfig().ChannelCapacity
	}
	if cfg.EpochInterval <= 0 {
		cfg.EpochInterval = DefaultConfig().EpochInterval
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultConfig().CommitTimeout
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultConfig().GraceWindow
	}
	if cfg.Backend == "" {
		cfg.Backend = state.BackendBadger
	}
	if cfg.ErrorPolicy == "" {
		cfg.ErrorPolicy = PolicyDrop
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	e := &Executor{
		d:     d,
		cfg:   cfg,
		log:   logger.GetLogger("executor").With().Str("run_id", runID.String()).Logger(),
		runID: runID,
	}
	if cfg.StateDir != "" {
		ckpt, err := checkpoint.Open(filepath.Join(cfg.StateDir, "checkpoint.db"))
		if err != nil {
			return nil, err
		}
		e.ckpt = ckpt
	}
	return e, nil
}

// RunID identifies this run in logs and the status server.
func (e *Executor) RunID() string { return e.runID.String() }

// Stop requests a graceful shutdown: a final epoch is committed, then
// Terminate propagates. If draining exceeds the grace window the run is
// aborted.
func (e *Executor) Stop() {
	e.mu.Lock()
	mgr, cancel := e.mgr, e.cancel
	e.mu.Unlock()

	if mgr != nil {
		mgr.Shutdown()
	}
	if cancel != nil {
		time.AfterFunc(e.cfg.GraceWindow, cancel)
	}
}

// Run executes the pipeline until the sources are exhausted, Stop is called,
// or a fatal error occurs. It blocks.
func (e *Executor) Run(ctx context.Context) error {
	defer e.closeAll()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	// The last durable epoch decides where sources resume and which epoch
	// operator state restores to.
	var last types.Epoch
	haveCkpt := false
	if e.ckpt != nil {
		var err error
		last, haveCkpt, err = e.ckpt.Last()
		if err != nil {
			return err
		}
		e.closers = append(e.closers, e.ckpt.Close)
	}
	firstEpoch := uint64(1)
	if haveCkpt {
		firstEpoch = last.ID + 1
		e.log.Info().Uint64("epoch", last.ID).Msg("resuming from durable epoch")
	}

	sources := e.d.Sources()
	sinks := e.d.Sinks()
	e.mu.Lock()
	e.mgr = epoch.NewManager(epoch.Config{
		Interval:      e.cfg.EpochInterval,
		CommitTimeout: e.cfg.CommitTimeout,
	}, e.ckpt, firstEpoch, sources, len(sinks))
	e.mu.Unlock()

	// One bounded channel per edge.
	chans := make(map[*dag.Edge]*edgeChan)
	for _, id := range e.d.Nodes() {
		for _, edge := range e.d.OutEdges(id) {
			chans[edge] = &edgeChan{edge: edge, ch: make(chan types.ExecutorOperation, e.cfg.ChannelCapacity)}
		}
	}
	ins := func(id string) []*edgeChan {
		var out []*edgeChan
		for _, edge := range e.d.InEdges(id) {
			out = append(out, chans[edge])
		}
		return out
	}
	outs := func(id string) []*edgeChan {
		var out []*edgeChan
		for _, edge := range e.d.OutEdges(id) {
			out = append(out, chans[edge])
		}
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.mgr.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return &ExecutionError{Node: "epoch-manager", Cause: err}
		}
		return nil
	})

	// A construction failure must reap the workers already spawned before
	// surfacing.
	buildFailed := func(id string, err error) error {
		cancel()
		_ = g.Wait()
		return &ExecutionError{Node: id, Cause: err}
	}

	for _, id := range e.d.Nodes() {
		node, _ := e.d.Node(id)
		switch node.Kind {
		case dag.KindSource:
			w, err := e.newSourceWorker(node, outs(id), last, haveCkpt)
			if err != nil {
				return buildFailed(id, err)
			}
			g.Go(func() error { return w.run(gctx) })

		case dag.KindProcessor:
			w, err := e.newProcessorWorker(node, ins(id), outs(id), last, haveCkpt)
			if err != nil {
				return buildFailed(id, err)
			}
			g.Go(func() error { return w.run(gctx) })

		case dag.KindSink:
			w, err := e.newSinkWorker(node, ins(id)[0])
			if err != nil {
				return buildFailed(id, err)
			}
			g.Go(func() error { return w.run(gctx) })
		}
	}

	e.log.Info().Int("nodes", len(e.d.Nodes())).Msg("pipeline running")
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error().Err(err).Msg("pipeline failed")
		return err
	}
	e.log.Info().Msg("pipeline stopped")
	return nil
}

func (e *Executor) closeAll() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.log.Warn().Err(err).Msg("close failed")
		}
	}
	e.closers = nil
}

// openStore opens and restores the state store of one stateful node.
func (e *Executor) openStore(nodeID string, last types.Epoch, haveCkpt bool) (*state.EpochStore, error) {
	var backend state.Backend
	var err error
	if e.cfg.StateDir == "" {
		backend = state.NewMemory()
	} else {
		backend, err = state.Open(e.cfg.Backend, filepath.Join(e.cfg.StateDir, "state"), nodeID)
		if err != nil {
			return nil, err
		}
	}
	es := state.NewEpochStore(backend)
	if err := es.RestoreTo(last.ID, haveCkpt); err != nil {
		es.Close()
		return nil, err
	}
	e.closers = append(e.closers, es.Close)
	return es, nil
}

// forward delivers a message to a set of edges, respecting cancellation.
func forward(ctx context.Context, edges []*edgeChan, msg types.ExecutorOperation) error {
	for _, ec := range edges {
		select {
		case ec.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// forwardPort delivers a message only to edges leaving a given output port.
func forwardPort(ctx context.Context, edges []*edgeChan, port dag.Port, msg types.ExecutorOperation) error {
	for _, ec := range edges {
		if ec.edge.FromPort != port {
			continue
		}
		select {
		case ec.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
