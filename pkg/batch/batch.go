// Package batch implements BatchScheduler (C8): a single-writer-locked
// in-memory queue of multi-node operations, run sequentially with a
// per-node delay by one runner goroutine, grounded on the teacher's
// scheduler.Scheduler ticker/mutex/logger/Start/Stop shape.
package batch

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/formicaio/pkg/events"
	"github.com/cuemby/formicaio/pkg/locktable"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/manager"
	"github.com/cuemby/formicaio/pkg/metrics"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

// ErrMissingNodeID is returned by PrepareBatch for any non-Create
// batch type with an empty node id list, per spec.md §4.5 step 2.
var ErrMissingNodeID = fmt.Errorf("batch type requires a non-empty node id list")

// ErrPortOverflow is returned when a Create batch's per-iteration port
// advance would overflow uint16, per spec.md §4.5's tie-break rule.
var ErrPortOverflow = fmt.Errorf("port increment overflows uint16")

// Scheduler is BatchScheduler (C8).
type Scheduler struct {
	mgr    *manager.Manager
	store  storage.Store
	locks  *locktable.Table
	cancel *events.Broker[types.BatchID]
	log    zerolog.Logger

	mu      sync.Mutex
	queue   []*types.Batch
	running bool
}

// New wires a BatchScheduler. cancel must already be started
// (cancel.Start()) by the caller, which owns the broker's lifecycle.
func New(mgr *manager.Manager, store storage.Store, locks *locktable.Table, cancel *events.Broker[types.BatchID]) *Scheduler {
	return &Scheduler{
		mgr:    mgr,
		store:  store,
		locks:  locks,
		cancel: cancel,
		log:    log.WithComponent("batch"),
	}
}

// Counts reports the current queue depth and total locked-node count,
// wired into pkg/metrics.Collector without that package importing
// pkg/batch.
func (s *Scheduler) Counts() metrics.BatchCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	locked := 0
	for _, b := range s.queue {
		locked += len(b.Type.NodeIDs)
	}
	return metrics.BatchCounts{Scheduled: len(s.queue), Locked: locked}
}

// List returns a snapshot of the queue, for the scheduled_batches
// field of POST /nodes/list.
func (s *Scheduler) List() []types.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Batch, len(s.queue))
	for i, b := range s.queue {
		out[i] = *b
	}
	return out
}

// PrepareBatch implements prepare_batch, spec.md §4.5.
func (s *Scheduler) PrepareBatch(ctx context.Context, batchType types.BatchType, intervalSecs int) (types.BatchID, error) {
	if batchType.Kind == types.BatchCreate {
		if err := validateRewardsAddr(batchType.Opts.RewardsAddr); err != nil {
			return 0, types.NewError(types.KindInvalidInput, err)
		}
	} else if len(batchType.NodeIDs) == 0 {
		return 0, types.NewError(types.KindInvalidInput, ErrMissingNodeID)
	}

	if batchType.Kind != types.BatchCreate {
		ttl := time.Duration(intervalSecs+2) * time.Duration(len(batchType.NodeIDs)) * time.Second
		for _, id := range batchType.NodeIDs {
			s.locks.Lock(id, ttl)
			if err := s.store.SetNodeStatusToLocked(ctx, id); err != nil {
				s.log.Warn().Err(err).Str("node_id", string(id)).Msg("failed to persist batch lock bit")
			}
		}
	}

	id := types.BatchID(rand.Intn(math.MaxUint16 + 1))
	b := &types.Batch{
		ID:           id,
		Type:         batchType,
		IntervalSecs: intervalSecs,
		Status:       types.BatchStatus{Kind: types.BatchScheduled},
	}

	s.mu.Lock()
	wasEmpty := len(s.queue) == 0
	s.queue = append(s.queue, b)
	s.mu.Unlock()

	if wasEmpty {
		go s.runQueue()
	}

	return id, nil
}

// CancelBatch implements cancel_batch, spec.md §4.5: sends id through
// the single-producer cancel broadcast.
func (s *Scheduler) CancelBatch(id types.BatchID) {
	s.cancel.Publish(id)
}

func (s *Scheduler) runQueue() {
	// The dequeue and the empty check share one critical section, so a
	// PrepareBatch that finds the queue empty can only do so after this
	// runner has committed to exiting.
	s.mu.Lock()
	for len(s.queue) > 0 {
		b := s.queue[0]
		s.mu.Unlock()

		s.runOne(b)

		s.mu.Lock()
		if len(s.queue) > 0 && s.queue[0].ID == b.ID {
			s.queue = s.queue[1:]
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) runOne(b *types.Batch) {
	logger := s.log.With().Uint16("batch_id", uint16(b.ID)).Logger()
	s.setStatus(b, types.BatchStatus{Kind: types.BatchInProgress})

	cancelCh := s.cancel.Subscribe()
	defer s.cancel.Unsubscribe(cancelCh)

	var failures int
	var lastErr string

	var aborted bool
	switch b.Type.Kind {
	case types.BatchCreate:
		failures, lastErr, aborted = s.runCreate(b, cancelCh, logger)
	default:
		failures, lastErr, aborted = s.runNodeOps(b, cancelCh, logger)
	}

	switch {
	case aborted:
		// a launcher/store fault, not a single node's own failure,
		// means the rest of the batch can't be trusted to run either;
		// spec.md §4.5/§7 calls this the terminal Failed(reason) path.
		logger.Error().Str("reason", lastErr).Msg("batch aborted by launcher/store fault")
		s.setStatus(b, types.BatchStatus{Kind: types.BatchFailed, FailureCount: failures, LastError: lastErr})
	case failures > 0:
		s.setStatus(b, types.BatchStatus{Kind: types.BatchInProgressWithFailures, FailureCount: failures, LastError: lastErr})
	default:
		// natural completion: status doesn't matter once dequeued, so
		// the batch keeps reporting InProgress to any in-flight readers
		// of List() until runQueue removes it.
		s.setStatus(b, types.BatchStatus{Kind: types.BatchInProgress})
	}
}

// isUnrecoverable reports whether err reflects a launcher/store fault
// rather than a single node's own failure (e.g. bad rewards address,
// node already gone) — the former means the rest of the batch's steps
// can't be trusted to succeed either, per spec.md §4.5/§7's terminal
// Failed(reason) path.
func isUnrecoverable(err error) bool {
	switch types.KindOf(err) {
	case types.KindLauncherFailure, types.KindStoreFailure:
		return true
	default:
		return false
	}
}

func (s *Scheduler) runCreate(b *types.Batch, cancelCh events.Subscriber[types.BatchID], logger zerolog.Logger) (failures int, lastErr string, aborted bool) {
	ctx := context.Background()
	count := b.Type.Count

	for i := 0; i < count; i++ {
		if s.waitOrCancel(b.ID, time.Duration(b.IntervalSecs)*time.Second, cancelCh) {
			logger.Info().Msg("batch cancelled")
			return failures, lastErr, false
		}

		opts, err := advancedOpts(b.Type.Opts, i)
		if err != nil {
			failures++
			lastErr = err.Error()
			logger.Error().Err(err).Int("iteration", i).Msg("port overflow, skipping remaining iterations")
			return failures, lastErr, false
		}

		if _, err := s.mgr.CreateNode(ctx, opts); err != nil {
			failures++
			lastErr = err.Error()
			logger.Error().Err(err).Int("iteration", i).Msg("create_node failed in batch")
			if isUnrecoverable(err) {
				return failures, lastErr, true
			}
			continue
		}
		s.incrementComplete(b)
	}
	return failures, lastErr, false
}

func (s *Scheduler) runNodeOps(b *types.Batch, cancelCh events.Subscriber[types.BatchID], logger zerolog.Logger) (failures int, lastErr string, aborted bool) {
	ctx := context.Background()

	for _, id := range b.Type.NodeIDs {
		if s.waitOrCancel(b.ID, time.Duration(b.IntervalSecs)*time.Second, cancelCh) {
			logger.Info().Str("node_id", string(id)).Msg("batch cancelled")
			return failures, lastErr, false
		}

		s.locks.Remove(id)
		if err := s.store.UnlockNodeStatus(ctx, id); err != nil {
			logger.Warn().Err(err).Str("node_id", string(id)).Msg("failed to clear persistent lock bit")
		}

		if err := s.invoke(ctx, b.Type.Kind, id); err != nil {
			failures++
			lastErr = err.Error()
			logger.Error().Err(err).Str("node_id", string(id)).Msg("batch step failed")
			if isUnrecoverable(err) {
				return failures, lastErr, true
			}
			continue
		}
		s.incrementComplete(b)
	}
	return failures, lastErr, false
}

func (s *Scheduler) invoke(ctx context.Context, kind types.BatchTypeKind, id types.NodeID) error {
	switch kind {
	case types.BatchStart:
		return s.mgr.StartNode(ctx, id)
	case types.BatchStop:
		return s.mgr.StopNode(ctx, id)
	case types.BatchUpgrade:
		return s.mgr.UpgradeNode(ctx, id)
	case types.BatchRecycle:
		return s.mgr.RecycleNode(ctx, id)
	case types.BatchRemove:
		return s.mgr.DeleteNode(ctx, id)
	default:
		return fmt.Errorf("unknown batch op %q", kind)
	}
}

// waitOrCancel sleeps for d, racing against a cancel matching id, per
// spec.md §4.5's "awaits a single-producer cancel broadcast; if a
// matching batch_id arrives it breaks the inner loop immediately".
// Reports true if cancelled.
func (s *Scheduler) waitOrCancel(id types.BatchID, d time.Duration, cancelCh events.Subscriber[types.BatchID]) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case cancelled := <-cancelCh:
			if cancelled == id {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

func (s *Scheduler) incrementComplete(b *types.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Complete++
}

func (s *Scheduler) setStatus(b *types.Batch, status types.BatchStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Status = status
}

// advancedOpts clones opts with Port/MetricsPort advanced by i,
// reporting ErrPortOverflow if either wraps past uint16, per spec.md
// §4.5's tie-break rule.
func advancedOpts(opts types.NodeOpts, i int) (types.NodeOpts, error) {
	port, err := addUint16(opts.Port, i)
	if err != nil {
		return opts, fmt.Errorf("%w: port", ErrPortOverflow)
	}
	metricsPort, err := addUint16(opts.MetricsPort, i)
	if err != nil {
		return opts, fmt.Errorf("%w: metrics_port", ErrPortOverflow)
	}
	opts.Port = port
	opts.MetricsPort = metricsPort
	return opts, nil
}

func addUint16(base uint16, i int) (uint16, error) {
	sum := int(base) + i
	if sum > math.MaxUint16 {
		return 0, ErrPortOverflow
	}
	return uint16(sum), nil
}

func validateRewardsAddr(addr string) error {
	if len(addr) != 42 {
		return fmt.Errorf("rewards address must be 42 characters, got %d", len(addr))
	}
	return nil
}
