package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

func TestCollector_CollectNodeMetrics_SetsStatusAndLockedGauges(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.InsertNodeMetadata(ctx, &types.NodeInstanceInfo{
		NodeID: types.NodeID("n1"),
		Status: types.NodeStatus{Kind: types.StatusActive},
	}))
	require.NoError(t, store.InsertNodeMetadata(ctx, &types.NodeInstanceInfo{
		NodeID: types.NodeID("n2"),
		Status: types.NodeStatus{Kind: types.StatusActive},
	}))
	require.NoError(t, store.SetNodeStatusToLocked(ctx, types.NodeID("n1")))

	c := NewCollector(store, func() BatchCounts { return BatchCounts{Scheduled: 3, Locked: 1} })
	c.collect()

	assert.Equal(t, float64(2), testutil.ToFloat64(NodesTotal.WithLabelValues(string(types.StatusActive))))
	assert.Equal(t, float64(1), testutil.ToFloat64(NodesLocked))
	assert.Equal(t, float64(3), testutil.ToFloat64(BatchesScheduled))
}

func TestCollector_CollectBatchMetrics_NilBatchCountsIsNoop(t *testing.T) {
	store := storage.NewMemStore()
	c := NewCollector(store, nil)
	assert.NotPanics(t, func() { c.collect() })
}

func TestCollector_StartStop_DoesNotPanic(t *testing.T) {
	store := storage.NewMemStore()
	c := NewCollector(store, func() BatchCounts { return BatchCounts{} })
	c.Start()
	c.Stop()
}
