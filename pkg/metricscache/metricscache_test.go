package metricscache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

func TestStore_PersistsOnlyCuratedKeys(t *testing.T) {
	store := storage.NewMemStore()
	c := New(store)
	id := types.NodeID("n1")

	err := c.Store(context.Background(), id, []types.NodeMetric{
		{NodeID: id, Key: types.MetricKeyMemUsedMb, Value: "128", TimestampMs: 1000},
		{NodeID: id, Key: "connected_peers", Value: "5", TimestampMs: 1000},
	})
	require.NoError(t, err)

	persisted, err := store.GetNodeMetrics(context.Background(), id, nil)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	_, ok := persisted[types.MetricKeyMemUsedMb]
	assert.True(t, ok)
}

func TestUpdateNodeInfo_DropsMalformedValueWithoutPoisoningOthers(t *testing.T) {
	store := storage.NewMemStore()
	c := New(store)
	id := types.NodeID("n1")

	err := c.Store(context.Background(), id, []types.NodeMetric{
		{NodeID: id, Key: "mem_used_mb", Value: "not-a-number", TimestampMs: 1000},
		{NodeID: id, Key: "connected_peers", Value: "7", TimestampMs: 1000},
	})
	require.NoError(t, err)

	info := &types.NodeInstanceInfo{NodeID: id}
	c.UpdateNodeInfo(info)

	assert.Equal(t, uint64(0), info.MemUsedMb)
	assert.Equal(t, uint64(7), info.ConnectedPeers)
}

func TestUpdateNodeInfo_NoopForUncachedNode(t *testing.T) {
	store := storage.NewMemStore()
	c := New(store)

	info := &types.NodeInstanceInfo{NodeID: types.NodeID("ghost")}
	c.UpdateNodeInfo(info)

	assert.Equal(t, uint64(0), info.ConnectedPeers)
}

func TestGet_ReturnsLatestCachedValue(t *testing.T) {
	store := storage.NewMemStore()
	c := New(store)
	id := types.NodeID("n1")

	require.NoError(t, c.Store(context.Background(), id, []types.NodeMetric{
		{NodeID: id, Key: "records", Value: "42", TimestampMs: 5000},
	}))

	m, ts, ok := c.Get(id, "records")
	require.True(t, ok)
	assert.Equal(t, "42", m.Value)
	assert.Equal(t, int64(5000), ts.UnixMilli())

	_, _, ok = c.Get(id, "missing_key")
	assert.False(t, ok)
}

func TestRemoveNodeMetrics_ClearsCacheAndStore(t *testing.T) {
	store := storage.NewMemStore()
	c := New(store)
	id := types.NodeID("n1")

	require.NoError(t, c.Store(context.Background(), id, []types.NodeMetric{
		{NodeID: id, Key: types.MetricKeyCpuUsagePct, Value: "1.5", TimestampMs: 1000},
	}))

	require.NoError(t, c.RemoveNodeMetrics(context.Background(), id))

	_, _, ok := c.Get(id, types.MetricKeyCpuUsagePct)
	assert.False(t, ok)

	persisted, err := store.GetNodeMetrics(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}
