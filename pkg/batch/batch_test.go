package batch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formicaio/pkg/events"
	"github.com/cuemby/formicaio/pkg/launcher"
	"github.com/cuemby/formicaio/pkg/locktable"
	"github.com/cuemby/formicaio/pkg/manager"
	"github.com/cuemby/formicaio/pkg/metricscache"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

func newTestScheduler() (*Scheduler, *storage.MemStore, *launcher.FakeLauncher) {
	store := storage.NewMemStore()
	fake := launcher.NewFakeLauncher()
	locks := locktable.New()
	mgr := manager.New(store, locks, metricscache.New(store), fake, nil, nil)
	cancel := events.NewBroker[types.BatchID](zerolog.Nop())
	cancel.Start()
	return New(mgr, store, locks, cancel), store, fake
}

func validOpts() types.NodeOpts {
	return types.NodeOpts{
		NodeIP:      "127.0.0.1",
		Port:        12000,
		MetricsPort: 13000,
		RewardsAddr: "0x1234567890123456789012345678901234567890",
	}
}

func waitForDrain(s *Scheduler, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.List()) == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestPrepareBatch_CreateRunsCountIterations(t *testing.T) {
	s, store, _ := newTestScheduler()

	id, err := s.PrepareBatch(context.Background(), types.BatchType{
		Kind:  types.BatchCreate,
		Opts:  validOpts(),
		Count: 3,
	}, 0)
	require.NoError(t, err)
	assert.NotZero(t, id)

	require.True(t, waitForDrain(s, 2*time.Second))

	nodes, err := store.GetNodesList(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	ports := map[uint16]bool{}
	for _, n := range nodes {
		ports[n.Port] = true
	}
	assert.Equal(t, map[uint16]bool{12000: true, 12001: true, 12002: true}, ports)
}

func TestPrepareBatch_CreateZeroCountCompletesImmediately(t *testing.T) {
	s, store, _ := newTestScheduler()

	_, err := s.PrepareBatch(context.Background(), types.BatchType{
		Kind:  types.BatchCreate,
		Opts:  validOpts(),
		Count: 0,
	}, 0)
	require.NoError(t, err)

	require.True(t, waitForDrain(s, time.Second))
	nodes, err := store.GetNodesList(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestPrepareBatch_RejectsEmptyNodeListForNonCreate(t *testing.T) {
	s, _, _ := newTestScheduler()

	_, err := s.PrepareBatch(context.Background(), types.BatchType{Kind: types.BatchStart}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingNodeID)
}

func TestPrepareBatch_RejectsInvalidRewardsAddrForCreate(t *testing.T) {
	s, _, _ := newTestScheduler()

	opts := validOpts()
	opts.RewardsAddr = "too-short"
	_, err := s.PrepareBatch(context.Background(), types.BatchType{
		Kind: types.BatchCreate,
		Opts: opts,
	}, 1)
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidInput, types.KindOf(err))
}

func TestPrepareBatch_LocksListedNodesWithScaledTTL(t *testing.T) {
	s, store, _ := newTestScheduler()
	ctx := context.Background()

	info, err := s.mgr.CreateNode(ctx, validOpts())
	require.NoError(t, err)

	_, err = s.PrepareBatch(ctx, types.BatchType{
		Kind:    types.BatchStop,
		NodeIDs: []types.NodeID{info.NodeID},
	}, 10)
	require.NoError(t, err)

	assert.True(t, s.locks.Contains(info.NodeID))

	loaded := &types.NodeInstanceInfo{NodeID: info.NodeID}
	require.NoError(t, store.GetNodeMetadata(ctx, loaded))
	assert.True(t, loaded.IsStatusLocked)

	// the runner sleeps the 10 s interval before the node's step.
	require.True(t, waitForDrain(s, 15*time.Second))
	assert.False(t, s.locks.Contains(info.NodeID))
}

func TestPrepareBatch_SpawnsRunnerOnlyWhenQueueWasEmpty(t *testing.T) {
	s, store, _ := newTestScheduler()
	ctx := context.Background()

	a, err := s.mgr.CreateNode(ctx, validOpts())
	require.NoError(t, err)
	b, err := s.mgr.CreateNode(ctx, validOpts())
	require.NoError(t, err)

	_, err = s.PrepareBatch(ctx, types.BatchType{Kind: types.BatchStop, NodeIDs: []types.NodeID{a.NodeID}}, 0)
	require.NoError(t, err)
	_, err = s.PrepareBatch(ctx, types.BatchType{Kind: types.BatchStop, NodeIDs: []types.NodeID{b.NodeID}}, 0)
	require.NoError(t, err)

	require.True(t, waitForDrain(s, 2*time.Second))

	loadedA := &types.NodeInstanceInfo{NodeID: a.NodeID}
	require.NoError(t, store.GetNodeMetadata(ctx, loadedA))
	assert.Equal(t, types.StatusInactive, loadedA.Status.Kind)
}

func TestCancelBatch_StopsRunnerMidway(t *testing.T) {
	s, _, _ := newTestScheduler()

	id, err := s.PrepareBatch(context.Background(), types.BatchType{
		Kind:  types.BatchCreate,
		Opts:  validOpts(),
		Count: 5,
	}, 1)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s.CancelBatch(id)

	require.True(t, waitForDrain(s, 2*time.Second))
}

func TestRunOne_LauncherFaultAbortsBatchAsFailed(t *testing.T) {
	s, _, fake := newTestScheduler()

	n1, err := s.mgr.CreateNode(context.Background(), validOpts())
	require.NoError(t, err)
	opts2 := validOpts()
	opts2.NodeIP = "127.0.0.2"
	n2, err := s.mgr.CreateNode(context.Background(), opts2)
	require.NoError(t, err)

	fake.FailRemoveDir[n1.NodeID] = true

	b := &types.Batch{
		ID:   types.BatchID(1),
		Type: types.BatchType{Kind: types.BatchRemove, NodeIDs: []types.NodeID{n1.NodeID, n2.NodeID}},
	}

	s.runOne(b)

	require.Equal(t, types.BatchFailed, b.Status.Kind)
	assert.Equal(t, 1, b.Status.FailureCount)
	assert.NotEmpty(t, b.Status.LastError)
}

func TestAdvancedOpts_ReportsPortOverflow(t *testing.T) {
	opts := validOpts()
	opts.Port = 65535

	_, err := advancedOpts(opts, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortOverflow)
}

func TestAdvancedOpts_AdvancesBothPorts(t *testing.T) {
	opts := validOpts()

	advanced, err := advancedOpts(opts, 2)
	require.NoError(t, err)
	assert.Equal(t, uint16(12002), advanced.Port)
	assert.Equal(t, uint16(13002), advanced.MetricsPort)
}
