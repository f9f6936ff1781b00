package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/formicaio/pkg/types"
)

// MemStore is an in-memory Store used by tests, per spec.md §9's
// requirement of a fake implementation for every capability
// interface. It implements the exact same merge/lock/prune semantics
// as BoltStore without touching disk.
type MemStore struct {
	mu       sync.RWMutex
	nodes    map[types.NodeID]*types.NodeInstanceInfo
	metrics  map[types.NodeID][]types.NodeMetric
	settings types.Settings
	payments map[string][]types.Payment
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes:    make(map[types.NodeID]*types.NodeInstanceInfo),
		metrics:  make(map[types.NodeID][]types.NodeMetric),
		payments: make(map[string][]types.Payment),
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) GetNodesList(_ context.Context) (map[types.NodeID]*types.NodeInstanceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.NodeID]*types.NodeInstanceInfo, len(s.nodes))
	for id, n := range s.nodes {
		cp := *n
		cp.ZeroBigInts()
		out[id] = &cp
	}
	return out, nil
}

func (s *MemStore) GetNodeMetadata(_ context.Context, info *types.NodeInstanceInfo) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	persisted, ok := s.nodes[info.NodeID]
	if !ok {
		return ErrNotFound
	}
	mergeNodeInfo(info, persisted)
	return nil
}

func (s *MemStore) InsertNodeMetadata(_ context.Context, info *types.NodeInstanceInfo) error {
	info.ZeroBigInts()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *info
	s.nodes[info.NodeID] = &cp
	return nil
}

func (s *MemStore) UpdateNodeMetadata(_ context.Context, info *types.NodeInstanceInfo, mergeOnlyPresent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	toStore := *info
	if mergeOnlyPresent {
		if persisted, ok := s.nodes[info.NodeID]; ok {
			merged := *persisted
			mergeNodeInfo(&merged, info)
			toStore = merged
		}
	}
	toStore.ZeroBigInts()
	s.nodes[info.NodeID] = &toStore
	return nil
}

func (s *MemStore) DeleteNodeMetadata(_ context.Context, id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

func (s *MemStore) UpdateNodeStatus(_ context.Context, id types.NodeID, status types.NodeStatus, statusChangedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = status
	n.StatusChangedAt = statusChangedAt
	return nil
}

func (s *MemStore) UpdateNodePid(_ context.Context, id types.NodeID, pid *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Pid = pid
	return nil
}

func (s *MemStore) CheckNodeIsNotBatched(_ context.Context, id types.NodeID) (*types.NodeInstanceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if n.IsStatusLocked {
		return nil, ErrAlreadyBatched
	}
	cp := *n
	return &cp, nil
}

func (s *MemStore) setLocked(id types.NodeID, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.IsStatusLocked = locked
	return nil
}

func (s *MemStore) SetNodeStatusToLocked(_ context.Context, id types.NodeID) error {
	return s.setLocked(id, true)
}

func (s *MemStore) UnlockNodeStatus(_ context.Context, id types.NodeID) error {
	return s.setLocked(id, false)
}

func (s *MemStore) StoreNodeMetrics(_ context.Context, id types.NodeID, metrics []types.NodeMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[id] = append(s.metrics[id], metrics...)
	return nil
}

func (s *MemStore) GetNodeMetrics(_ context.Context, id types.NodeID, sinceMs *int64) (map[string][]types.NodeMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]types.NodeMetric)
	pts := append([]types.NodeMetric(nil), s.metrics[id]...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].TimestampMs < pts[j].TimestampMs })
	for _, m := range pts {
		if sinceMs != nil && m.TimestampMs < *sinceMs {
			continue
		}
		out[m.Key] = append(out[m.Key], m)
	}
	return out, nil
}

func (s *MemStore) RemoveOldestMetrics(_ context.Context, id types.NodeID, keepN int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pts := s.metrics[id]
	seen := make(map[int64]bool)
	var timestamps []int64
	for _, m := range pts {
		if !seen[m.TimestampMs] {
			seen[m.TimestampMs] = true
			timestamps = append(timestamps, m.TimestampMs)
		}
	}
	if len(timestamps) <= keepN {
		return nil
	}
	sort.Sort(sort.Reverse(sort.Int64Slice(timestamps)))
	cutoff := timestamps[keepN]

	var kept []types.NodeMetric
	for _, m := range pts {
		if m.TimestampMs > cutoff {
			kept = append(kept, m)
		}
	}
	s.metrics[id] = kept
	return nil
}

func (s *MemStore) DeleteNodeMetrics(_ context.Context, id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metrics, id)
	return nil
}

func (s *MemStore) LoadSettings(_ context.Context) (types.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *MemStore) SaveSettings(_ context.Context, st types.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
	return nil
}

func (s *MemStore) LoadPayments(_ context.Context, address string) ([]types.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Payment(nil), s.payments[address]...), nil
}

func (s *MemStore) AppendPayments(_ context.Context, address string, payments []types.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[address] = append(s.payments[address], payments...)
	return nil
}
