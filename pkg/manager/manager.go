// Package manager implements NodeManager (C7): the single public
// surface for mutating the fleet, coordinating Store, LockTable,
// MetricsCache and NodeLauncher, grounded on the teacher's
// manager.Manager "mutate via one code path" discipline with Raft
// replication stripped out (multi-host clustering is a spec
// Non-goal) in favor of direct Store calls guarded by LockTable.
package manager

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/formicaio/pkg/events"
	"github.com/cuemby/formicaio/pkg/launcher"
	"github.com/cuemby/formicaio/pkg/locktable"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/metrics"
	"github.com/cuemby/formicaio/pkg/metricscache"
	"github.com/cuemby/formicaio/pkg/scrape"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

const (
	startStopRecycleLockTTL = 20 * time.Second
	upgradeLockTTL          = 8 * time.Minute // UPGRADE_TIMEOUT, spec.md §4.4
)

// tagStore/tagLauncher/tagInput wrap an inner error with the matching
// spec.md §7 ErrorKind. storage.CheckNodeIsNotBatched/GetNodeMetadata
// already return the untagged storage.ErrAlreadyBatched/ErrNotFound
// sentinels; tagStore re-tags those specifically so callers (and
// types.KindOf) see AlreadyBatched/NotFound rather than a generic
// StoreFailure.
func tagStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrAlreadyBatched):
		return types.NewError(types.KindAlreadyBatched, err)
	case errors.Is(err, storage.ErrNotFound):
		return types.NewError(types.KindNotFound, err)
	default:
		return types.NewError(types.KindStoreFailure, err)
	}
}

func tagLauncher(err error) error {
	return types.NewError(types.KindLauncherFailure, err)
}

func tagInput(err error) error {
	return types.NewError(types.KindInvalidInput, err)
}

// Manager is NodeManager (C7).
type Manager struct {
	store    storage.Store
	locks    *locktable.Table
	cache    *metricscache.Cache
	launch   launcher.Launcher
	rpc      *scrape.RpcClient
	bgBroker *events.Broker[types.BgCmd]
	validate *validator.Validate
	log      zerolog.Logger

	mu               sync.RWMutex
	latestBinVersion string
}

// New wires NodeManager's dependencies. bgBroker may be nil if no
// BackgroundLoop command bus is wired (e.g. in isolated tests).
func New(store storage.Store, locks *locktable.Table, cache *metricscache.Cache, launch launcher.Launcher, rpc *scrape.RpcClient, bgBroker *events.Broker[types.BgCmd]) *Manager {
	return &Manager{
		store:    store,
		locks:    locks,
		cache:    cache,
		launch:   launch,
		rpc:      rpc,
		bgBroker: bgBroker,
		validate: validator.New(),
		log:      log.WithComponent("manager"),
	}
}

func (m *Manager) publishBg(cmd types.BgCmd) {
	if m.bgBroker != nil {
		m.bgBroker.Publish(cmd)
	}
}

// newNodeID mints a 12-hex-character id, per spec.md §3 ("12 chars
// when generated by the system"), drawn from a uuid following the
// teacher's uuid.New().String() idiom.
func newNodeID() types.NodeID {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return types.NodeID(raw[:12])
}

// CreateNode implements create_node, spec.md §4.4.
func (m *Manager) CreateNode(ctx context.Context, opts types.NodeOpts) (*types.NodeInstanceInfo, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NodeCreateDuration)

	if err := m.validate.Struct(opts); err != nil {
		return nil, tagInput(err)
	}

	id := newNodeID()
	now := time.Now().Unix()
	info := &types.NodeInstanceInfo{
		NodeID:            id,
		CreatedAt:         now,
		StatusChangedAt:   now,
		Status:            types.Inactive(types.ReasonCreated, ""),
		NodeIP:            opts.NodeIP,
		Port:              opts.Port,
		MetricsPort:       opts.MetricsPort,
		RewardsAddr:       opts.RewardsAddr,
		Upnp:              opts.Upnp,
		ReachabilityCheck: opts.ReachabilityCheck,
		NodeLogs:          opts.NodeLogs,
		DataDirPath:       opts.DataDirPath,
		AutoStart:         opts.AutoStart,
	}
	info.ZeroBigInts()

	if err := m.store.InsertNodeMetadata(ctx, info); err != nil {
		return nil, tagStore(err)
	}

	if err := m.launch.NewNode(ctx, info); err != nil {
		return nil, tagLauncher(err)
	}

	if opts.AutoStart {
		if err := m.StartNode(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("node_id", string(id)).Msg("auto_start failed after create")
		}
		if err := m.store.GetNodeMetadata(ctx, info); err != nil {
			return nil, tagStore(err)
		}
	}

	m.publishBg(types.BgCmd{Kind: types.BgCheckBalanceFor, Node: info})
	return info, nil
}

// StartNode implements start_node, spec.md §4.4.
func (m *Manager) StartNode(ctx context.Context, id types.NodeID) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NodeStartDuration)

	info, err := m.store.CheckNodeIsNotBatched(ctx, id)
	if err != nil {
		return tagStore(err)
	}
	if info.Status.IsActive() {
		return nil
	}

	m.lockNode(ctx, id, startStopRecycleLockTTL)
	defer m.unlockNode(ctx, id)

	if err := m.setStatus(ctx, id, types.NodeStatus{Kind: types.StatusRestarting}); err != nil {
		return err
	}

	pid, err := m.launch.SpawnNewNode(ctx, info)
	if err != nil {
		return m.setStatus(ctx, id, types.Inactive(types.ReasonStartFailed, err.Error()))
	}

	info.Pid = &pid
	if m.rpc != nil {
		if peer, err := m.rpc.GetPeerInfo(ctx, info.NodeIP, info.Port); err == nil {
			info.PeerID = peer.PeerID
			info.BinVersion = peer.BinVersion
		}
	}
	if err := m.store.UpdateNodeMetadata(ctx, info, true); err != nil {
		return tagStore(err)
	}
	return m.setStatus(ctx, id, types.NodeStatus{Kind: types.StatusActive})
}

// StopNode implements stop_node, spec.md §4.4.
func (m *Manager) StopNode(ctx context.Context, id types.NodeID) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NodeStopDuration)

	info, err := m.store.CheckNodeIsNotBatched(ctx, id)
	if err != nil {
		return tagStore(err)
	}

	m.lockNode(ctx, id, startStopRecycleLockTTL)
	defer m.unlockNode(ctx, id)

	if err := m.setStatus(ctx, id, types.NodeStatus{Kind: types.StatusStopping}); err != nil {
		return err
	}

	if err := m.launch.KillNode(ctx, id); err != nil {
		return m.setStatus(ctx, id, types.Inactive(types.ReasonStartFailed, err.Error()))
	}

	info.ConnectedPeers = 0
	info.KBucketsPeers = 0
	info.Records = 0
	info.IPs = nil
	if err := m.store.UpdateNodeMetadata(ctx, info, false); err != nil {
		return tagStore(err)
	}
	return m.setStatus(ctx, id, types.Inactive(types.ReasonStopped, ""))
}

// UpgradeNode implements upgrade_node, spec.md §4.4.
func (m *Manager) UpgradeNode(ctx context.Context, id types.NodeID) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NodeUpgradeDuration)

	info, err := m.store.CheckNodeIsNotBatched(ctx, id)
	if err != nil {
		return tagStore(err)
	}

	m.lockNode(ctx, id, upgradeLockTTL)
	defer m.unlockNode(ctx, id)

	if err := m.setStatus(ctx, id, types.NodeStatus{Kind: types.StatusUpgrading}); err != nil {
		return err
	}

	pid, err := m.launch.UpgradeNode(ctx, info)
	if err != nil {
		return m.setStatus(ctx, id, types.Inactive(types.ReasonStartFailed, err.Error()))
	}

	info.Pid = &pid
	if m.rpc != nil {
		if peer, err := m.rpc.GetPeerInfo(ctx, info.NodeIP, info.Port); err == nil {
			info.BinVersion = peer.BinVersion
		}
	}
	if err := m.store.UpdateNodeMetadata(ctx, info, true); err != nil {
		return tagStore(err)
	}
	return m.setStatus(ctx, id, types.NodeStatus{Kind: types.StatusActive})
}

// RecycleNode implements recycle_node, spec.md §4.4.
func (m *Manager) RecycleNode(ctx context.Context, id types.NodeID) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NodeRecycleDuration)

	info, err := m.store.CheckNodeIsNotBatched(ctx, id)
	if err != nil {
		return tagStore(err)
	}

	m.lockNode(ctx, id, startStopRecycleLockTTL)
	defer m.unlockNode(ctx, id)

	if err := m.setStatus(ctx, id, types.NodeStatus{Kind: types.StatusRecycling}); err != nil {
		return err
	}

	pid, err := m.launch.RegeneratePeerID(ctx, info)
	if err != nil {
		return m.setStatus(ctx, id, types.Inactive(types.ReasonStartFailed, err.Error()))
	}

	info.Pid = &pid
	if m.rpc != nil {
		if peer, err := m.rpc.GetPeerInfo(ctx, info.NodeIP, info.Port); err == nil {
			info.PeerID = peer.PeerID
		}
	}
	if err := m.store.UpdateNodeMetadata(ctx, info, true); err != nil {
		return tagStore(err)
	}
	return m.setStatus(ctx, id, types.NodeStatus{Kind: types.StatusActive})
}

// DeleteNode implements delete_node, spec.md §4.4.
func (m *Manager) DeleteNode(ctx context.Context, id types.NodeID) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NodeDeleteDuration)

	info := &types.NodeInstanceInfo{NodeID: id}
	if err := m.store.GetNodeMetadata(ctx, info); err != nil {
		return tagStore(err)
	}

	if info.Status.IsActive() || info.Status.Transient() {
		if err := m.launch.KillNode(ctx, id); err != nil {
			return tagLauncher(err)
		}
	}

	if err := m.cache.RemoveNodeMetrics(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("node_id", string(id)).Msg("failed to clear node metrics on delete")
	}

	if err := m.launch.RemoveNodeDir(ctx, info); err != nil {
		return tagLauncher(err)
	}

	if err := m.store.DeleteNodeMetadata(ctx, id); err != nil {
		return tagStore(err)
	}

	m.publishBg(types.BgCmd{Kind: types.BgDeleteBalanceFor, Node: info})
	return nil
}

// ListNodes implements list_nodes, spec.md §4.4.
func (m *Manager) ListNodes(ctx context.Context, filter *types.NodeFilter) (*types.NodeList, error) {
	nodes, err := m.store.GetNodesList(ctx)
	if err != nil {
		return nil, tagStore(err)
	}

	now := time.Now()
	filtered := make([]*types.NodeInstanceInfo, 0, len(nodes))
	for _, info := range nodes {
		if !matchesFilter(info, filter) {
			continue
		}
		if info.Status.IsActive() {
			m.cache.UpdateNodeInfo(info)
		}
		filtered = append(filtered, info)
	}
	// GetNodesList returns a map, so the iteration above has no stable
	// order; sort by creation time (sort_nodes.rs's default CreationDate
	// ordering) so NodeIndex is meaningful across calls.
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt != filtered[j].CreatedAt {
			return filtered[i].CreatedAt < filtered[j].CreatedAt
		}
		return filtered[i].NodeID < filtered[j].NodeID
	})

	latest := m.LatestBinVersion()
	summaries := make([]types.NodeSummary, 0, len(filtered))
	for i, info := range filtered {
		summaries = append(summaries, types.NodeSummary{
			NodeInstanceInfo:     *info,
			StatusInfo:           statusInfo(now, info.Status, info.StatusChangedAt),
			NodeIndex:            i,
			VersionMatchesLatest: info.BinVersion != "" && latest != "" && info.BinVersion == latest,
		})
	}

	return &types.NodeList{
		LatestBinVersion: latest,
		Nodes:            summaries,
	}, nil
}

func matchesFilter(info *types.NodeInstanceInfo, filter *types.NodeFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Status != nil && info.Status.Kind != *filter.Status {
		return false
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		haystack := strings.ToLower(string(info.NodeID) + " " + info.NodeIP + " " + info.PeerID)
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

// LogsStream implements logs_stream, spec.md §4.4.
func (m *Manager) LogsStream(ctx context.Context, id types.NodeID) (io.ReadCloser, error) {
	info := &types.NodeInstanceInfo{NodeID: id}
	if err := m.store.GetNodeMetadata(ctx, info); err != nil {
		return nil, tagStore(err)
	}
	r, err := m.launch.GetContainerLogsStream(ctx, id)
	if err != nil {
		return nil, tagLauncher(err)
	}
	return r, nil
}

// UpgradeMasterBinary implements upgrade_master_binary, spec.md §4.4.
func (m *Manager) UpgradeMasterBinary(ctx context.Context, version string) error {
	newVersion, err := m.launch.UpgradeMasterBinary(ctx, version)
	if err != nil {
		return tagLauncher(err)
	}
	m.mu.Lock()
	m.latestBinVersion = newVersion
	m.mu.Unlock()
	return nil
}

// LatestBinVersion returns the shared latest-bin-version cell.
func (m *Manager) LatestBinVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestBinVersion
}

// SetLatestBinVersion records a newly discovered latest bin version,
// e.g. from BackgroundLoop's periodic node_bin_version_check.
func (m *Manager) SetLatestBinVersion(version string) {
	m.mu.Lock()
	m.latestBinVersion = version
	m.mu.Unlock()
}

// ApplySettings pushes newly persisted settings live into
// BackgroundLoop via BgApplySettings, so a running process picks up
// new tick intervals without a restart.
func (m *Manager) ApplySettings(settings types.Settings) {
	m.publishBg(types.BgCmd{Kind: types.BgApplySettings, Settings: &settings})
}

func (m *Manager) lockNode(ctx context.Context, id types.NodeID, ttl time.Duration) {
	m.locks.Lock(id, ttl)
	if err := m.store.SetNodeStatusToLocked(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("node_id", string(id)).Msg("failed to persist lock bit")
	}
}

func (m *Manager) unlockNode(ctx context.Context, id types.NodeID) {
	m.locks.Remove(id)
	if err := m.store.UnlockNodeStatus(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("node_id", string(id)).Msg("failed to clear lock bit")
	}
}

func (m *Manager) setStatus(ctx context.Context, id types.NodeID, status types.NodeStatus) error {
	now := time.Now().Unix()
	if err := m.store.UpdateNodeStatus(ctx, id, status, now); err != nil {
		return tagStore(err)
	}
	return nil
}

// statusInfo derives the human-readable status string per spec.md
// §4.4 / §8 invariant 8: coarsest unit (weeks→days→hours→minutes→
// seconds), "Up <x>" if active, "<x> ago" if inactive, "Since <x> ago"
// otherwise; empty while transitioning.
func statusInfo(now time.Time, status types.NodeStatus, statusChangedAt int64) string {
	if status.Transient() {
		return ""
	}
	elapsed := now.Sub(time.Unix(statusChangedAt, 0))
	unit := humanDuration(elapsed)

	switch status.Kind {
	case types.StatusActive:
		return "Up " + unit
	case types.StatusInactive:
		return unit + " ago"
	default:
		return "Since " + unit + " ago"
	}
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int64(d.Seconds())

	type unit struct {
		name    string
		seconds int64
	}
	units := []unit{
		{"week", 7 * 24 * 3600},
		{"day", 24 * 3600},
		{"hour", 3600},
		{"minute", 60},
	}

	for _, u := range units {
		count := seconds / u.seconds
		if count > 1 {
			return strconv.FormatInt(count, 10) + " " + u.name + "s"
		}
	}
	if seconds <= 1 {
		return "about a second"
	}
	return strconv.FormatInt(seconds, 10) + " seconds"
}
