// Package metricscache implements the in-memory latest-value metrics
// cache (C3): a map of each node's most recently scraped metrics,
// writing a curated subset through to the Store as a time series.
package metricscache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

// Cache is a concurrency-safe Map<NodeId, Map<key, NodeMetric>>.
type Cache struct {
	mu    sync.RWMutex
	store storage.Store
	data  map[types.NodeID]map[string]types.NodeMetric
}

func New(store storage.Store) *Cache {
	return &Cache{
		store: store,
		data:  make(map[types.NodeID]map[string]types.NodeMetric),
	}
}

// Store writes the curated-for-history subset of metrics through to
// the Store, then replaces the in-memory map for id, per spec.md
// §4.3.
func (c *Cache) Store(ctx context.Context, id types.NodeID, metrics []types.NodeMetric) error {
	var toPersist []types.NodeMetric
	for _, m := range metrics {
		if types.PersistedMetricKeys[m.Key] {
			toPersist = append(toPersist, m)
		}
	}
	if len(toPersist) > 0 {
		if err := c.store.StoreNodeMetrics(ctx, id, toPersist); err != nil {
			return err
		}
	}

	byKey := make(map[string]types.NodeMetric, len(metrics))
	for _, m := range metrics {
		byKey[m.Key] = m
	}

	c.mu.Lock()
	c.data[id] = byKey
	c.mu.Unlock()
	return nil
}

// UpdateNodeInfo overlays cached metrics onto info with per-field
// parse-and-drop-on-error semantics: a malformed string for one key
// must not poison the others (spec.md §4.3).
func (c *Cache) UpdateNodeInfo(info *types.NodeInstanceInfo) {
	c.mu.RLock()
	byKey, ok := c.data[info.NodeID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	for key, m := range byKey {
		switch key {
		case "mem_used_mb":
			if v, err := strconv.ParseUint(m.Value, 10, 64); err == nil {
				info.MemUsedMb = v
			}
		case "cpu_usage_pct":
			if v, err := strconv.ParseFloat(m.Value, 64); err == nil {
				info.CpuUsagePct = v
			}
		case "records":
			if v, err := strconv.ParseUint(m.Value, 10, 64); err == nil {
				info.Records = v
			}
		case "relevant_records":
			if v, err := strconv.ParseUint(m.Value, 10, 64); err == nil {
				info.RelevantRecords = v
			}
		case "connected_peers":
			if v, err := strconv.ParseUint(m.Value, 10, 64); err == nil {
				info.ConnectedPeers = v
			}
		case "kbuckets_peers":
			if v, err := strconv.ParseUint(m.Value, 10, 64); err == nil {
				info.KBucketsPeers = v
			}
		case "shunned_count":
			if v, err := strconv.ParseUint(m.Value, 10, 64); err == nil {
				info.ShunnedCount = v
			}
		case "net_size":
			if v, err := strconv.ParseUint(m.Value, 10, 64); err == nil {
				info.NetSize = v
			}
		case "disk_usage":
			if v, err := strconv.ParseUint(m.Value, 10, 64); err == nil {
				info.DiskUsage = v
			}
		}
	}
}

// Get returns the latest cached value for a key, if any, along with
// the scrape timestamp.
func (c *Cache) Get(id types.NodeID, key string) (types.NodeMetric, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byKey, ok := c.data[id]
	if !ok {
		return types.NodeMetric{}, time.Time{}, false
	}
	m, ok := byKey[key]
	if !ok {
		return types.NodeMetric{}, time.Time{}, false
	}
	return m, time.UnixMilli(m.TimestampMs), true
}

// RemoveNodeMetrics drops both the cache entry and all persistent
// metrics for id, per spec.md §4.3.
func (c *Cache) RemoveNodeMetrics(ctx context.Context, id types.NodeID) error {
	c.mu.Lock()
	delete(c.data, id)
	c.mu.Unlock()
	return c.store.DeleteNodeMetrics(ctx, id)
}
