package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/formicaio/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes        = []byte("nodes")
	bucketNodesMetrics = []byte("nodes_metrics")
	bucketSettings     = []byte("settings")
	bucketPayments     = []byte("payments")

	settingsKey = []byte("settings")
)

// BoltStore implements Store on top of a single bbolt file, one
// bucket per logical collection, matching the teacher's
// bucket-per-collection BoltDB pattern. bbolt has no relational
// schema to migrate, so NewBoltStore's idempotent
// CreateBucketIfNotExists calls are the bbolt-native equivalent of the
// reference implementation's "schema-migration on startup."
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the formicaio database file
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "formicaio.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketNodesMetrics, bucketSettings, bucketPayments} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) GetNodesList(_ context.Context) (map[types.NodeID]*types.NodeInstanceInfo, error) {
	out := make(map[types.NodeID]*types.NodeInstanceInfo)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var info types.NodeInstanceInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("decode node %s: %w", k, err)
			}
			info.ZeroBigInts()
			out[info.NodeID] = &info
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) getNodeLocked(tx *bolt.Tx, id types.NodeID) (*types.NodeInstanceInfo, error) {
	b := tx.Bucket(bucketNodes)
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var persisted types.NodeInstanceInfo
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", id, err)
	}
	persisted.ZeroBigInts()
	return &persisted, nil
}

// mergeNodeInfo overlays persisted's non-zero/non-empty fields onto
// dst, leaving dst's existing value wherever persisted is empty; the
// boolean fields are always copied, since false cannot mean absent. This
// implements the "merge semantics" spec.md §4.1 requires of
// get_node_metadata.
func mergeNodeInfo(dst, persisted *types.NodeInstanceInfo) {
	if persisted.CreatedAt != 0 {
		dst.CreatedAt = persisted.CreatedAt
	}
	if persisted.StatusChangedAt != 0 {
		dst.StatusChangedAt = persisted.StatusChangedAt
	}
	if persisted.Status.Kind != "" {
		dst.Status = persisted.Status
	}
	dst.IsStatusLocked = persisted.IsStatusLocked
	if persisted.NodeIP != "" {
		dst.NodeIP = persisted.NodeIP
	}
	if persisted.Port != 0 {
		dst.Port = persisted.Port
	}
	if persisted.MetricsPort != 0 {
		dst.MetricsPort = persisted.MetricsPort
	}
	if persisted.RewardsAddr != "" {
		dst.RewardsAddr = persisted.RewardsAddr
	}
	dst.Upnp = persisted.Upnp
	dst.ReachabilityCheck = persisted.ReachabilityCheck
	dst.NodeLogs = persisted.NodeLogs
	if persisted.DataDirPath != "" {
		dst.DataDirPath = persisted.DataDirPath
	}
	dst.AutoStart = persisted.AutoStart
	if persisted.Pid != nil {
		dst.Pid = persisted.Pid
	}
	if persisted.PeerID != "" {
		dst.PeerID = persisted.PeerID
	}
	if persisted.BinVersion != "" {
		dst.BinVersion = persisted.BinVersion
	}
	if len(persisted.IPs) > 0 {
		dst.IPs = persisted.IPs
	}
	if persisted.Rewards != nil && persisted.Rewards.Sign() != 0 {
		dst.Rewards = persisted.Rewards
	}
	if persisted.Balance != nil && persisted.Balance.Sign() != 0 {
		dst.Balance = persisted.Balance
	}
	if persisted.MemUsedMb != 0 {
		dst.MemUsedMb = persisted.MemUsedMb
	}
	if persisted.CpuUsagePct != 0 {
		dst.CpuUsagePct = persisted.CpuUsagePct
	}
	if persisted.Records != 0 {
		dst.Records = persisted.Records
	}
	if persisted.RelevantRecords != 0 {
		dst.RelevantRecords = persisted.RelevantRecords
	}
	if persisted.ConnectedPeers != 0 {
		dst.ConnectedPeers = persisted.ConnectedPeers
	}
	if persisted.KBucketsPeers != 0 {
		dst.KBucketsPeers = persisted.KBucketsPeers
	}
	if persisted.ShunnedCount != 0 {
		dst.ShunnedCount = persisted.ShunnedCount
	}
	if persisted.NetSize != 0 {
		dst.NetSize = persisted.NetSize
	}
	if persisted.DiskUsage != 0 {
		dst.DiskUsage = persisted.DiskUsage
	}
}

func (s *BoltStore) GetNodeMetadata(_ context.Context, info *types.NodeInstanceInfo) error {
	return s.db.View(func(tx *bolt.Tx) error {
		persisted, err := s.getNodeLocked(tx, info.NodeID)
		if err != nil {
			return err
		}
		mergeNodeInfo(info, persisted)
		return nil
	})
}

func (s *BoltStore) InsertNodeMetadata(_ context.Context, info *types.NodeInstanceInfo) error {
	info.ZeroBigInts()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("encode node %s: %w", info.NodeID, err)
		}
		return b.Put([]byte(info.NodeID), data)
	})
}

func (s *BoltStore) UpdateNodeMetadata(_ context.Context, info *types.NodeInstanceInfo, mergeOnlyPresent bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		toStore := info
		if mergeOnlyPresent {
			persisted, err := s.getNodeLocked(tx, info.NodeID)
			if err == nil {
				merged := *persisted
				mergeNodeInfo(&merged, info)
				toStore = &merged
			} else if err != ErrNotFound {
				return err
			}
		}
		toStore.ZeroBigInts()
		data, err := json.Marshal(toStore)
		if err != nil {
			return fmt.Errorf("encode node %s: %w", info.NodeID, err)
		}
		return b.Put([]byte(info.NodeID), data)
	})
}

func (s *BoltStore) DeleteNodeMetadata(_ context.Context, id types.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

func (s *BoltStore) UpdateNodeStatus(_ context.Context, id types.NodeID, status types.NodeStatus, statusChangedAt int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		persisted, err := s.getNodeLocked(tx, id)
		if err != nil {
			return err
		}
		persisted.Status = status
		persisted.StatusChangedAt = statusChangedAt
		data, err := json.Marshal(persisted)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(id), data)
	})
}

func (s *BoltStore) UpdateNodePid(_ context.Context, id types.NodeID, pid *int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		persisted, err := s.getNodeLocked(tx, id)
		if err != nil {
			return err
		}
		persisted.Pid = pid
		data, err := json.Marshal(persisted)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(id), data)
	})
}

func (s *BoltStore) CheckNodeIsNotBatched(_ context.Context, id types.NodeID) (*types.NodeInstanceInfo, error) {
	var result *types.NodeInstanceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		persisted, err := s.getNodeLocked(tx, id)
		if err != nil {
			return err
		}
		if persisted.IsStatusLocked {
			return ErrAlreadyBatched
		}
		result = persisted
		return nil
	})
	return result, err
}

func (s *BoltStore) setLocked(id types.NodeID, locked bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		persisted, err := s.getNodeLocked(tx, id)
		if err != nil {
			return err
		}
		persisted.IsStatusLocked = locked
		data, err := json.Marshal(persisted)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(id), data)
	})
}

func (s *BoltStore) SetNodeStatusToLocked(_ context.Context, id types.NodeID) error {
	return s.setLocked(id, true)
}

func (s *BoltStore) UnlockNodeStatus(_ context.Context, id types.NodeID) error {
	return s.setLocked(id, false)
}

// metricKey encodes (nodeID, key, timestamp) so that a cursor prefix
// scan over nodeID, or nodeID+key, yields naturally time-ordered
// results without a secondary index.
func metricKey(id types.NodeID, key string, timestampMs int64) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%020d", id, key, timestampMs))
}

func (s *BoltStore) StoreNodeMetrics(_ context.Context, id types.NodeID, metrics []types.NodeMetric) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodesMetrics)
		for _, m := range metrics {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("encode metric %s/%s: %w", id, m.Key, err)
			}
			if err := b.Put(metricKey(id, m.Key, m.TimestampMs), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetNodeMetrics(_ context.Context, id types.NodeID, sinceMs *int64) (map[string][]types.NodeMetric, error) {
	out := make(map[string][]types.NodeMetric)
	prefix := []byte(fmt.Sprintf("%s\x00", id))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNodesMetrics).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var m types.NodeMetric
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode metric %s: %w", k, err)
			}
			if sinceMs != nil && m.TimestampMs < *sinceMs {
				continue
			}
			out[m.Key] = append(out[m.Key], m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) RemoveOldestMetrics(_ context.Context, id types.NodeID, keepN int) error {
	prefix := []byte(fmt.Sprintf("%s\x00", id))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodesMetrics)
		c := b.Cursor()

		seen := make(map[int64]bool)
		var timestamps []int64
		var keys [][]byte
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var m types.NodeMetric
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode metric %s: %w", k, err)
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			keys = append(keys, kc)
			if !seen[m.TimestampMs] {
				seen[m.TimestampMs] = true
				timestamps = append(timestamps, m.TimestampMs)
			}
		}
		if len(timestamps) <= keepN {
			return nil
		}
		sort.Sort(sort.Reverse(sort.Int64Slice(timestamps)))
		cutoff := timestamps[keepN] // first timestamp to drop, keeping the keepN largest

		for _, k := range keys {
			v := b.Get(k)
			if v == nil {
				continue
			}
			var m types.NodeMetric
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.TimestampMs <= cutoff {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteNodeMetrics(_ context.Context, id types.NodeID) error {
	prefix := []byte(fmt.Sprintf("%s\x00", id))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodesMetrics)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			kc := make([]byte, len(k))
			copy(kc, k)
			toDelete = append(toDelete, kc)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadSettings(_ context.Context) (types.Settings, error) {
	var out types.Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get(settingsKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

func (s *BoltStore) SaveSettings(_ context.Context, st types.Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSettings).Put(settingsKey, data)
	})
}

func (s *BoltStore) LoadPayments(_ context.Context, address string) ([]types.Payment, error) {
	var out []types.Payment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPayments).Get([]byte(address))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

// AppendPayments never prunes: the original implementation retains
// full payment history per address indefinitely (SPEC_FULL.md §5),
// unlike nodes_metrics which metrics_pruning actively trims.
func (s *BoltStore) AppendPayments(_ context.Context, address string, payments []types.Payment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPayments)
		var existing []types.Payment
		if data := b.Get([]byte(address)); data != nil {
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
		}
		existing = append(existing, payments...)
		data, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return b.Put([]byte(address), data)
	})
}
