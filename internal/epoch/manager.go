// Package epoch runs the checkpoint clock. A timer assigns monotonically
// increasing epoch ids and asks every source worker to inject a commit
// marker; sinks acknowledge each epoch after flushing, and once every sink
// has acknowledged, the epoch's merged source positions are written to the
// durable checkpoint store.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/reflow/internal/checkpoint"
	"github.com/tarungka/reflow/internal/logger"
	"github.com/tarungka/reflow/internal/types"
)

// ErrCommitTimeout is returned when sinks fail to acknowledge an epoch within
// the commit timeout. Fatal: the pipeline aborts, the last durable epoch
// stays authoritative.
var ErrCommitTimeout = errors.New("epoch: commit timed out")

// Config tunes the manager.
type Config struct {
	// Interval between epoch injections.
	Interval time.Duration
	// CommitTimeout bounds the wait for all sink acknowledgements.
	CommitTimeout time.Duration
}

// Manager coordinates epochs across source workers and sinks.
type Manager struct {
	cfg   Config
	store *checkpoint.Store // nil disables durable checkpointing
	log   zerolog.Logger

	nextID   uint64
	numSinks int

	commitChans map[string]chan types.Epoch
	ackCh       chan types.Epoch

	mu        sync.Mutex
	exhausted map[string]bool
	allDone   chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}

	termOnce    sync.Once
	terminateCh chan struct{}
}

// NewManager creates a manager for the given source node ids and sink count.
// firstEpoch is one past the last durable epoch.
func NewManager(cfg Config, store *checkpoint.Store, firstEpoch uint64, sourceIDs []string, numSinks int) *Manager {
	m := &Manager{
		cfg:         cfg,
		store:       store,
		log:         logger.GetLogger("epoch"),
		nextID:      firstEpoch,
		numSinks:    numSinks,
		commitChans: make(map[string]chan types.Epoch, len(sourceIDs)),
		ackCh:       make(chan types.Epoch, numSinks*4+1),
		exhausted:   make(map[string]bool, len(sourceIDs)),
		allDone:     make(chan struct{}),
		stopCh:      make(chan struct{}),
		terminateCh: make(chan struct{}),
	}
	for _, id := range sourceIDs {
		m.commitChans[id] = make(chan types.Epoch, 1)
		m.exhausted[id] = false
	}
	return m
}

// CommitRequests returns the channel a source worker receives epoch requests
// on.
func (m *Manager) CommitRequests(sourceID string) <-chan types.Epoch {
	return m.commitChans[sourceID]
}

// Ack is called by sink workers after a successful flush of an epoch.
func (m *Manager) Ack(epoch types.Epoch) {
	m.ackCh <- epoch
}

// SourceExhausted notes that a finite source produced everything it had. When
// all sources are exhausted the manager runs one final epoch and terminates
// the pipeline.
func (m *Manager) SourceExhausted(sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if done, ok := m.exhausted[sourceID]; !ok || done {
		return
	}
	m.exhausted[sourceID] = true
	for _, done := range m.exhausted {
		if !done {
			return
		}
	}
	close(m.allDone)
}

// Shutdown asks the manager to run a final epoch and then broadcast
// termination. Idempotent.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Terminated is closed after the final epoch settled; source workers emit
// Terminate downstream when it closes.
func (m *Manager) Terminated() <-chan struct{} {
	return m.terminateCh
}

// Run drives the epoch clock until shutdown. It always closes the terminate
// broadcast on the way out.
func (m *Manager) Run(ctx context.Context) error {
	defer m.termOnce.Do(func() { close(m.terminateCh) })

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	pending := make(map[uint64]*pendingEpoch)

	for {
		select {
		case <-ticker.C:
			if err := m.broadcast(ctx, pending); err != nil {
				return err
			}

		case ack := <-m.ackCh:
			if err := m.handleAck(pending, ack); err != nil {
				return err
			}

		case <-m.allDone:
			return m.finalRound(ctx, pending)

		case <-m.stopCh:
			return m.finalRound(ctx, pending)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type pendingEpoch struct {
	acks   int
	merged types.Epoch
}

func (m *Manager) broadcast(ctx context.Context, pending map[uint64]*pendingEpoch) error {
	// At most one epoch in flight: operator state may then run at most one
	// epoch ahead of the durable checkpoint, which is exactly what the state
	// stores' single-epoch undo log can roll back on restart.
	if len(pending) > 0 {
		m.log.Trace().Msg("previous epoch still in flight, skipping tick")
		return nil
	}

	id := m.nextID
	m.nextID++
	pending[id] = &pendingEpoch{merged: types.Epoch{ID: id, SourcePositions: map[string]types.OpIdentifier{}}}
	m.log.Trace().Uint64("epoch", id).Msg("requesting commit")

	// Deliver to every source or to none: a partial broadcast would leave
	// aligning nodes stalled forever on the missing marker.
	for _, ch := range m.commitChans {
		select {
		case ch <- types.Epoch{ID: id, SourcePositions: make(map[string]types.OpIdentifier, 1)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) handleAck(pending map[uint64]*pendingEpoch, ack types.Epoch) error {
	p, ok := pending[ack.ID]
	if !ok {
		p = &pendingEpoch{merged: types.Epoch{ID: ack.ID, SourcePositions: map[string]types.OpIdentifier{}}}
		pending[ack.ID] = p
	}
	p.merged.Merge(ack)
	p.acks++
	if p.acks < m.numSinks {
		return nil
	}
	delete(pending, ack.ID)

	if m.store != nil {
		if err := m.store.Record(p.merged); err != nil {
			return fmt.Errorf("epoch %d: %w", ack.ID, err)
		}
	}
	m.log.Debug().Uint64("epoch", ack.ID).Msg("epoch durable")
	return nil
}

// finalRound injects one last epoch so every operator and sink settles, waits
// for its acknowledgements bounded by the commit timeout, then lets the
// deferred terminate broadcast run.
func (m *Manager) finalRound(ctx context.Context, pending map[uint64]*pendingEpoch) error {
	// Let any in-flight epoch settle first so the final epoch is the only
	// one outstanding.
	if err := m.drainAcks(ctx, pending); err != nil {
		return err
	}

	id := m.nextID
	m.nextID++
	pending[id] = &pendingEpoch{merged: types.Epoch{ID: id, SourcePositions: map[string]types.OpIdentifier{}}}
	m.log.Debug().Uint64("epoch", id).Msg("final epoch")

	for _, ch := range m.commitChans {
		ep := types.Epoch{ID: id, SourcePositions: make(map[string]types.OpIdentifier, 1)}
		select {
		case ch <- ep:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return m.drainAcks(ctx, pending)
}

// drainAcks waits until no epoch is outstanding, bounded by the commit
// timeout.
func (m *Manager) drainAcks(ctx context.Context, pending map[uint64]*pendingEpoch) error {
	if len(pending) == 0 {
		return nil
	}
	deadline := time.NewTimer(m.cfg.CommitTimeout)
	defer deadline.Stop()

	for len(pending) > 0 {
		select {
		case ack := <-m.ackCh:
			if err := m.handleAck(pending, ack); err != nil {
				return err
			}
		case <-deadline.C:
			return fmt.Errorf("%w: unacknowledged after %s", ErrCommitTimeout, m.cfg.CommitTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
