package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formicaio/pkg/launcher"
	"github.com/cuemby/formicaio/pkg/locktable"
	"github.com/cuemby/formicaio/pkg/metricscache"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

func newTestManager() (*Manager, *storage.MemStore, *launcher.FakeLauncher) {
	store := storage.NewMemStore()
	fake := launcher.NewFakeLauncher()
	m := New(store, locktable.New(), metricscache.New(store), fake, nil, nil)
	return m, store, fake
}

func validOpts() types.NodeOpts {
	return types.NodeOpts{
		NodeIP:      "127.0.0.1",
		Port:        12000,
		MetricsPort: 13000,
		RewardsAddr: "0x1234567890123456789012345678901234567890",
	}
}

func TestCreateNode_InvalidInput(t *testing.T) {
	m, _, _ := newTestManager()

	_, err := m.CreateNode(context.Background(), types.NodeOpts{})
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidInput, types.KindOf(err))
}

func TestCreateNode_MintsTwelveHexCharID(t *testing.T) {
	m, _, _ := newTestManager()

	info, err := m.CreateNode(context.Background(), validOpts())
	require.NoError(t, err)
	assert.Len(t, string(info.NodeID), 12)
	assert.Equal(t, types.StatusInactive, info.Status.Kind)
	assert.Equal(t, types.ReasonCreated, info.Status.Reason)
}

func TestCreateNode_AutoStart(t *testing.T) {
	m, _, fake := newTestManager()
	opts := validOpts()
	opts.AutoStart = true

	info, err := m.CreateNode(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, fake.IsRunning(info.NodeID))
	assert.Equal(t, types.StatusActive, info.Status.Kind)
}

func TestStartNode_AlreadyActiveIsIdempotent(t *testing.T) {
	m, store, _ := newTestManager()
	info, err := m.CreateNode(context.Background(), validOpts())
	require.NoError(t, err)
	require.NoError(t, m.StartNode(context.Background(), info.NodeID))

	// second start on an already-Active node must be a no-op, not an error
	require.NoError(t, m.StartNode(context.Background(), info.NodeID))

	loaded := &types.NodeInstanceInfo{NodeID: info.NodeID}
	require.NoError(t, store.GetNodeMetadata(context.Background(), loaded))
	assert.Equal(t, types.StatusActive, loaded.Status.Kind)
}

func TestStartNode_LockedDuringBatchIsRejected(t *testing.T) {
	m, store, _ := newTestManager()
	info, err := m.CreateNode(context.Background(), validOpts())
	require.NoError(t, err)

	require.NoError(t, store.SetNodeStatusToLocked(context.Background(), info.NodeID))

	err = m.StartNode(context.Background(), info.NodeID)
	require.Error(t, err)
	assert.Equal(t, types.KindAlreadyBatched, types.KindOf(err))
	assert.True(t, errors.Is(err, storage.ErrAlreadyBatched))
}

func TestStartNode_LauncherFailureMarksStartFailed(t *testing.T) {
	m, store, fake := newTestManager()
	info, err := m.CreateNode(context.Background(), validOpts())
	require.NoError(t, err)

	fake.FailSpawn[info.NodeID] = true
	err = m.StartNode(context.Background(), info.NodeID)
	require.NoError(t, err) // setStatus itself succeeds; the failure is recorded on the node

	loaded := &types.NodeInstanceInfo{NodeID: info.NodeID}
	require.NoError(t, store.GetNodeMetadata(context.Background(), loaded))
	assert.Equal(t, types.StatusInactive, loaded.Status.Kind)
	assert.Equal(t, types.ReasonStartFailed, loaded.Status.Reason)

	// the node must always end up unlocked even on failure
	assert.False(t, loaded.IsStatusLocked)
}

func TestStopNode_ClearsLiveMetrics(t *testing.T) {
	m, store, _ := newTestManager()
	info, err := m.CreateNode(context.Background(), validOpts())
	require.NoError(t, err)
	require.NoError(t, m.StartNode(context.Background(), info.NodeID))

	require.NoError(t, m.StopNode(context.Background(), info.NodeID))

	loaded := &types.NodeInstanceInfo{NodeID: info.NodeID}
	require.NoError(t, store.GetNodeMetadata(context.Background(), loaded))
	assert.Equal(t, types.StatusInactive, loaded.Status.Kind)
	assert.Equal(t, types.ReasonStopped, loaded.Status.Reason)
	assert.Zero(t, loaded.ConnectedPeers)
	assert.Zero(t, loaded.Records)
}

func TestUpgradeNode_ReleasesLockAfterCompletion(t *testing.T) {
	m, _, _ := newTestManager()
	info, err := m.CreateNode(context.Background(), validOpts())
	require.NoError(t, err)
	require.NoError(t, m.StartNode(context.Background(), info.NodeID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.UpgradeNode(context.Background(), info.NodeID)
	}()
	<-done

	// after completion the lock must be released regardless of the long TTL
	assert.False(t, m.locks.Contains(info.NodeID))
}

func TestRecycleNode_LeavesNodeActive(t *testing.T) {
	m, store, _ := newTestManager()
	info, err := m.CreateNode(context.Background(), validOpts())
	require.NoError(t, err)
	require.NoError(t, m.StartNode(context.Background(), info.NodeID))

	require.NoError(t, m.RecycleNode(context.Background(), info.NodeID))

	loaded := &types.NodeInstanceInfo{NodeID: info.NodeID}
	require.NoError(t, store.GetNodeMetadata(context.Background(), loaded))
	assert.Equal(t, types.StatusActive, loaded.Status.Kind)
}

func TestDeleteNode_RemovesEverything(t *testing.T) {
	m, store, fake := newTestManager()
	info, err := m.CreateNode(context.Background(), validOpts())
	require.NoError(t, err)
	require.NoError(t, m.StartNode(context.Background(), info.NodeID))

	require.NoError(t, m.DeleteNode(context.Background(), info.NodeID))

	_, err = store.CheckNodeIsNotBatched(context.Background(), info.NodeID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, fake.IsRunning(info.NodeID))
}

func TestDeleteNode_NotFound(t *testing.T) {
	m, _, _ := newTestManager()

	err := m.DeleteNode(context.Background(), "deadbeefdead")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestListNodes_FiltersByStatusAndSearch(t *testing.T) {
	m, _, _ := newTestManager()
	opts1 := validOpts()
	opts1.NodeIP = "10.0.0.1"
	opts2 := validOpts()
	opts2.NodeIP = "10.0.0.2"

	n1, err := m.CreateNode(context.Background(), opts1)
	require.NoError(t, err)
	n2, err := m.CreateNode(context.Background(), opts2)
	require.NoError(t, err)
	require.NoError(t, m.StartNode(context.Background(), n1.NodeID))

	active := types.StatusActive
	list, err := m.ListNodes(context.Background(), &types.NodeFilter{Status: &active})
	require.NoError(t, err)
	require.Len(t, list.Nodes, 1)
	assert.Equal(t, n1.NodeID, list.Nodes[0].NodeID)

	list, err = m.ListNodes(context.Background(), &types.NodeFilter{Search: "10.0.0.2"})
	require.NoError(t, err)
	require.Len(t, list.Nodes, 1)
	assert.Equal(t, n2.NodeID, list.Nodes[0].NodeID)
}

func TestListNodes_PopulatesIndexAndVersionMatch(t *testing.T) {
	m, _, _ := newTestManager()
	opts1 := validOpts()
	opts1.NodeIP = "10.0.0.1"
	opts2 := validOpts()
	opts2.NodeIP = "10.0.0.2"

	n1, err := m.CreateNode(context.Background(), opts1)
	require.NoError(t, err)
	n2, err := m.CreateNode(context.Background(), opts2)
	require.NoError(t, err)

	require.NoError(t, m.UpgradeMasterBinary(context.Background(), "v1.2.3"))
	require.NoError(t, m.store.UpdateNodeMetadata(context.Background(), &types.NodeInstanceInfo{NodeID: n1.NodeID, BinVersion: "v1.2.3"}, true))
	// both nodes are usually created within the same second; a later
	// CreatedAt puts n2 after n1 in ListNodes' creation-time order.
	require.NoError(t, m.store.UpdateNodeMetadata(context.Background(), &types.NodeInstanceInfo{NodeID: n2.NodeID, BinVersion: "v1.0.0", CreatedAt: n1.CreatedAt + 1}, true))

	list, err := m.ListNodes(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, list.Nodes, 2)
	assert.Equal(t, 0, list.Nodes[0].NodeIndex)
	assert.Equal(t, 1, list.Nodes[1].NodeIndex)
	assert.True(t, list.Nodes[0].VersionMatchesLatest)
	assert.False(t, list.Nodes[1].VersionMatchesLatest)
}

func TestLogsStream_ReturnsSeededLogs(t *testing.T) {
	m, _, fake := newTestManager()
	info, err := m.CreateNode(context.Background(), validOpts())
	require.NoError(t, err)
	fake.SetLogs(info.NodeID, "hello from the node")

	r, err := m.LogsStream(context.Background(), info.NodeID)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	assert.Equal(t, "hello from the node", string(buf[:n]))
}

func TestUpgradeMasterBinary_UpdatesLatestVersion(t *testing.T) {
	m, _, _ := newTestManager()

	require.NoError(t, m.UpgradeMasterBinary(context.Background(), "v1.2.3"))
	assert.Equal(t, "v1.2.3", m.LatestBinVersion())
}

func TestHumanDuration_CoarsestUnit(t *testing.T) {
	tests := []struct {
		name     string
		seconds  int64
		expected string
	}{
		{"under a second", 0, "about a second"},
		{"seconds", 45, "45 seconds"},
		{"minutes", 150, "2 minutes"},
		{"hours", 7200, "2 hours"},
		{"days", 172800, "2 days"},
		{"weeks", 1209600, "2 weeks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := humanDuration(time.Duration(tt.seconds) * time.Second)
			assert.Equal(t, tt.expected, got)
		})
	}
}
