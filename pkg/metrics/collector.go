package metrics

import (
	"context"
	"time"

	"github.com/cuemby/formicaio/pkg/storage"
)

// BatchCounts is a snapshot of in-flight batch state, supplied by
// pkg/batch without pkg/metrics importing it directly.
type BatchCounts struct {
	Scheduled int
	Locked    int
}

// Collector periodically samples the Store and publishes fleet-wide
// gauges, grounded on the teacher's Collector (same
// ticker+stopCh+collect() shape), re-themed from cluster role/service/
// task/secret/volume/raft counts to formicaio's node-status counts.
type Collector struct {
	store       storage.Store
	batchCounts func() BatchCounts
	stopCh      chan struct{}
}

// NewCollector creates a new metrics collector. batchCounts may be nil
// if no BatchScheduler is wired yet.
func NewCollector(store storage.Store, batchCounts func() BatchCounts) *Collector {
	return &Collector{
		store:       store,
		batchCounts: batchCounts,
		stopCh:      make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectBatchMetrics()
}

func (c *Collector) collectNodeMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nodes, err := c.store.GetNodesList(ctx)
	if err != nil {
		return
	}

	counts := make(map[string]int)
	locked := 0
	for _, n := range nodes {
		counts[string(n.Status.Kind)]++
		if n.IsStatusLocked {
			locked++
		}
	}

	for status, count := range counts {
		NodesTotal.WithLabelValues(status).Set(float64(count))
	}
	NodesLocked.Set(float64(locked))
}

func (c *Collector) collectBatchMetrics() {
	if c.batchCounts == nil {
		return
	}
	counts := c.batchCounts()
	BatchesScheduled.Set(float64(counts.Scheduled))
}
