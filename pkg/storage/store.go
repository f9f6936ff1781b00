package storage

import (
	"context"
	"errors"

	"github.com/cuemby/formicaio/pkg/types"
)

// ErrAlreadyBatched is returned by CheckNodeIsNotBatched when a node's
// persisted lock bit is set, per spec.md §4.1.
var ErrAlreadyBatched = errors.New("node is already part of an in-flight batch")

// ErrNotFound is returned when a requested node record does not
// exist. Missing metrics or payment history yield empty results
// instead.
var ErrNotFound = errors.New("not found")

// Store defines the persistence contract for formicaio's node
// registry, metrics history, settings, and payment history (C1). The
// production implementation is bbolt-backed (BoltStore); tests use an
// in-memory fake (MemStore), per spec.md §9's "one production and one
// in-memory/fake implementation of each [capability] is expected."
type Store interface {
	// GetNodesList returns an atomic snapshot of every node record.
	GetNodesList(ctx context.Context) (map[types.NodeID]*types.NodeInstanceInfo, error)

	// GetNodeMetadata loads the persisted record for info.NodeID and
	// merges it onto info: persisted non-empty/non-zero fields
	// overwrite info's fields; empty persisted fields leave info
	// alone. Boolean fields (IsStatusLocked, Upnp, ReachabilityCheck,
	// NodeLogs, AutoStart) are always copied from the persisted record.
	// Returns ErrNotFound if the node has no persisted record.
	GetNodeMetadata(ctx context.Context, info *types.NodeInstanceInfo) error

	InsertNodeMetadata(ctx context.Context, info *types.NodeInstanceInfo) error

	// UpdateNodeMetadata persists info. When mergeOnlyPresent is true,
	// only info's non-zero/non-empty fields overwrite the stored
	// record; zero fields are left as already persisted, except the
	// boolean fields, which are always taken from info (false included).
	UpdateNodeMetadata(ctx context.Context, info *types.NodeInstanceInfo, mergeOnlyPresent bool) error

	DeleteNodeMetadata(ctx context.Context, id types.NodeID) error

	UpdateNodeStatus(ctx context.Context, id types.NodeID, status types.NodeStatus, statusChangedAt int64) error
	UpdateNodePid(ctx context.Context, id types.NodeID, pid *int) error

	// CheckNodeIsNotBatched loads and returns the node's record,
	// failing with ErrAlreadyBatched if its persisted lock bit is set.
	CheckNodeIsNotBatched(ctx context.Context, id types.NodeID) (*types.NodeInstanceInfo, error)

	SetNodeStatusToLocked(ctx context.Context, id types.NodeID) error
	UnlockNodeStatus(ctx context.Context, id types.NodeID) error

	StoreNodeMetrics(ctx context.Context, id types.NodeID, metrics []types.NodeMetric) error

	// GetNodeMetrics returns, per metric key, the ordered (ascending
	// by timestamp) list of points recorded at or after sinceMs (all
	// points if sinceMs is nil).
	GetNodeMetrics(ctx context.Context, id types.NodeID, sinceMs *int64) (map[string][]types.NodeMetric, error)

	// RemoveOldestMetrics retains only the keepN most recent distinct
	// timestamps recorded for id, across all metric keys, deleting
	// everything older.
	RemoveOldestMetrics(ctx context.Context, id types.NodeID, keepN int) error

	DeleteNodeMetrics(ctx context.Context, id types.NodeID) error

	LoadSettings(ctx context.Context) (types.Settings, error)
	SaveSettings(ctx context.Context, s types.Settings) error

	LoadPayments(ctx context.Context, address string) ([]types.Payment, error)
	AppendPayments(ctx context.Context, address string, payments []types.Payment) error

	Close() error
}
