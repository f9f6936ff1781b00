// Package types defines the closed data model shared by every formicaio
// component: node records, batches, settings and aggregated stats.
package types

import (
	"fmt"
	"math/big"
	"time"
)

// NodeID is an opaque hex identifier for a supervised node. System
// generated ids are 12 hex characters; ids accepted from a launcher may
// be longer.
type NodeID string

// ShortID returns the first 12 characters, or the whole id if shorter.
func (id NodeID) ShortID() string {
	s := string(id)
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}

// InactiveReason is the closed set of reasons a node is Inactive.
type InactiveReason string

const (
	ReasonCreated     InactiveReason = "created"
	ReasonStopped     InactiveReason = "stopped"
	ReasonStartFailed InactiveReason = "start_failed"
	ReasonExited      InactiveReason = "exited"
	ReasonUnknown     InactiveReason = "unknown"
)

// StatusKind is the closed tagged-union discriminant for NodeStatus.
type StatusKind string

const (
	StatusCreating    StatusKind = "creating"
	StatusActive      StatusKind = "active"
	StatusRestarting  StatusKind = "restarting"
	StatusStopping    StatusKind = "stopping"
	StatusRemoving    StatusKind = "removing"
	StatusUpgrading   StatusKind = "upgrading"
	StatusRecycling   StatusKind = "recycling"
	StatusInactive    StatusKind = "inactive"
)

// NodeStatus is a closed tagged union. Kind selects which of the
// payload fields is meaningful; for StatusInactive, Reason and, for
// StartFailed/Exited, Message are populated.
type NodeStatus struct {
	Kind    StatusKind     `json:"kind"`
	Reason  InactiveReason `json:"reason,omitempty"`
	Message string         `json:"message,omitempty"`
}

// IsActive reports whether the status implies a reachable launcher
// process (invariant: status.IsActive() ⇒ reachable on metrics_port).
func (s NodeStatus) IsActive() bool { return s.Kind == StatusActive }

// Transient reports whether the status denotes an in-flight
// transition, per the glossary definition of "transient status".
func (s NodeStatus) Transient() bool {
	switch s.Kind {
	case StatusCreating, StatusRestarting, StatusStopping, StatusRemoving, StatusUpgrading, StatusRecycling:
		return true
	default:
		return false
	}
}

func Inactive(reason InactiveReason, msg string) NodeStatus {
	return NodeStatus{Kind: StatusInactive, Reason: reason, Message: msg}
}

func (s NodeStatus) String() string {
	if s.Kind != StatusInactive {
		return string(s.Kind)
	}
	if s.Message != "" {
		return fmt.Sprintf("inactive(%s: %s)", s.Reason, s.Message)
	}
	return fmt.Sprintf("inactive(%s)", s.Reason)
}

// NodeOpts are the inputs to create_node; also the request body for
// POST /nodes/create and the create_node_instance MCP tool.
type NodeOpts struct {
	NodeIP            string `json:"node_ip" validate:"required,ip"`
	Port              uint16 `json:"port"`
	MetricsPort       uint16 `json:"metrics_port"`
	RewardsAddr       string `json:"rewards_addr" validate:"required,len=42"`
	Upnp              bool   `json:"upnp"`
	ReachabilityCheck bool   `json:"reachability_check"`
	NodeLogs          bool   `json:"node_logs"`
	DataDirPath       string `json:"data_dir_path"`
	AutoStart         bool   `json:"auto_start"`
}

// NodeInstanceInfo is the full record of one supervised node.
type NodeInstanceInfo struct {
	NodeID          NodeID     `json:"node_id"`
	CreatedAt       int64      `json:"created_at"`
	StatusChangedAt int64      `json:"status_changed_at"`
	Status          NodeStatus `json:"status"`
	IsStatusLocked  bool       `json:"is_status_locked"`

	// Configuration
	NodeIP            string `json:"node_ip"`
	Port              uint16 `json:"port"`
	MetricsPort       uint16 `json:"metrics_port"`
	RewardsAddr       string `json:"rewards_addr"`
	Upnp              bool   `json:"upnp"`
	ReachabilityCheck bool   `json:"reachability_check"`
	NodeLogs          bool   `json:"node_logs"`
	DataDirPath       string `json:"data_dir_path"`
	AutoStart         bool   `json:"auto_start"`
	Pid               *int   `json:"pid,omitempty"`

	// Identity
	PeerID     string   `json:"peer_id,omitempty"`
	BinVersion string   `json:"bin_version,omitempty"`
	IPs        []string `json:"ips,omitempty"`

	// Live metrics
	Rewards         *big.Int `json:"rewards"`
	Balance         *big.Int `json:"balance"`
	MemUsedMb       uint64   `json:"mem_used_mb"`
	CpuUsagePct     float64  `json:"cpu_usage_pct"`
	Records         uint64   `json:"records"`
	RelevantRecords uint64   `json:"relevant_records"`
	ConnectedPeers  uint64   `json:"connected_peers"`
	KBucketsPeers   uint64   `json:"kbuckets_peers"`
	ShunnedCount    uint64   `json:"shunned_count"`
	NetSize         uint64   `json:"net_size"`
	DiskUsage       uint64   `json:"disk_usage"`

	// HomeNetwork flags a node whose advertised address is reachable
	// only on the local network (supplemental, see SPEC_FULL.md §5).
	// No code path sets it: CreateNode and ListNodes leave it false,
	// and it is only round-tripped through the Store and the API.
	HomeNetwork bool `json:"home_network"`
}

// ZeroBigInts ensures Rewards/Balance are never nil, matching the
// "both big integers" invariant from the data model.
func (n *NodeInstanceInfo) ZeroBigInts() {
	if n.Rewards == nil {
		n.Rewards = new(big.Int)
	}
	if n.Balance == nil {
		n.Balance = new(big.Int)
	}
}

// NodeMetric is one (node_id, key, value, timestamp_ms) point.
type NodeMetric struct {
	NodeID      NodeID `json:"node_id"`
	Key         string `json:"key"`
	Value       string `json:"value"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Curated metric keys persisted as time series; all other scraped
// keys live only in MetricsCache.
const (
	MetricKeyMemUsedMb   = "mem_used_mb"
	MetricKeyCpuUsagePct = "cpu_usage_pct"
)

var PersistedMetricKeys = map[string]bool{
	MetricKeyMemUsedMb:   true,
	MetricKeyCpuUsagePct: true,
}

// BatchID is a random u16 batch identifier.
type BatchID uint16

// BatchTypeKind is the closed discriminant for BatchType.
type BatchTypeKind string

const (
	BatchCreate  BatchTypeKind = "create"
	BatchStart   BatchTypeKind = "start"
	BatchStop    BatchTypeKind = "stop"
	BatchUpgrade BatchTypeKind = "upgrade"
	BatchRecycle BatchTypeKind = "recycle"
	BatchRemove  BatchTypeKind = "remove"
)

// BatchType is a closed tagged union: Create carries Opts/Count, all
// others carry NodeIDs.
type BatchType struct {
	Kind    BatchTypeKind `json:"kind"`
	Opts    NodeOpts      `json:"opts,omitempty"`
	Count   int           `json:"count,omitempty"`
	NodeIDs []NodeID      `json:"node_ids,omitempty"`
}

// BatchStatusKind is the closed discriminant for BatchStatus.
type BatchStatusKind string

const (
	BatchScheduled              BatchStatusKind = "scheduled"
	BatchInProgress             BatchStatusKind = "in_progress"
	BatchInProgressWithFailures BatchStatusKind = "in_progress_with_failures"
	BatchFailed                 BatchStatusKind = "failed"
)

// BatchStatus is a closed tagged union.
type BatchStatus struct {
	Kind          BatchStatusKind `json:"kind"`
	FailureCount  int             `json:"failure_count,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Batch is a queued, rate-limited, cancellable multi-node operation.
type Batch struct {
	ID           BatchID     `json:"id"`
	Type         BatchType   `json:"batch_type"`
	IntervalSecs int         `json:"interval_secs"`
	Complete     uint16      `json:"complete"`
	Status       BatchStatus `json:"status"`
}

// Settings holds operator-tunable behavior, including frequencies for
// the BackgroundLoop tickers.
type Settings struct {
	NodesMetricsPollingSecs int    `json:"nodes_metrics_polling_secs" env:"NODES_METRICS_POLLING_SECS" envDefault:"5"`
	BinVersionCheckSecs     int    `json:"bin_version_check_secs" env:"BIN_VERSION_CHECK_SECS" envDefault:"21600"`
	BalancesRetrievalSecs   int    `json:"balances_retrieval_secs" env:"BALANCES_RETRIEVAL_SECS" envDefault:"900"`
	MetricsPruningSecs      int    `json:"metrics_pruning_secs" env:"METRICS_PRUNING_SECS" envDefault:"3600"`
	ImagePullingSecs        int    `json:"image_pulling_secs" env:"IMAGE_PULLING_SECS" envDefault:"21600"`
	NodesAutoUpgrade        bool   `json:"nodes_auto_upgrade" env:"NODES_AUTO_UPGRADE" envDefault:"false"`
	NodesAutoUpgradeDelay   int    `json:"nodes_auto_upgrade_delay_secs" env:"NODES_AUTO_UPGRADE_DELAY_SECS" envDefault:"600"`
	L2RpcURL                string `json:"l2_rpc_url" env:"L2_RPC_URL"`
	RewardsTokenAddr        string `json:"rewards_token_addr" env:"REWARDS_TOKEN_ADDR"`
	PageSize                int    `json:"page_size" env:"PAGE_SIZE" envDefault:"20"`
	// DisplayLayout is an opaque passthrough of the original UI's
	// table/card toggle; formicaio does not interpret it (rendering
	// is out of scope, see SPEC_FULL.md §5).
	DisplayLayout string `json:"display_layout,omitempty" env:"DISPLAY_LAYOUT" envDefault:"table"`
	// LCDDisplay round-trips the original's LCD configuration even
	// though the LCD displayer itself is out of scope (SPEC_FULL.md §5).
	LCDDisplay map[string]string `json:"lcd_display,omitempty"`
}

// Payment is one recorded ERC-20 reward payment to an address.
type Payment struct {
	Address     string   `json:"address"`
	Amount      *big.Int `json:"amount"`
	TimestampMs int64    `json:"timestamp_ms"`
	TxHash      string   `json:"tx_hash,omitempty"`
}

// PeriodStats is the earnings-analysis result for one configured
// hour-window, per SPEC_FULL.md §4.8.
type PeriodStats struct {
	PeriodHours    int      `json:"period_hours"`
	Total          *big.Int `json:"total"`
	Num            int      `json:"num"`
	Largest        *big.Int `json:"largest"`
	Average        *big.Int `json:"average"`
	Median         *big.Int `json:"median"`
	ChangeAmount   *big.Int `json:"change_amount"`
	ChangePercent  *int64   `json:"change_percent"`
}

// Stats is the fleet-wide aggregate, published single-writer by
// BackgroundLoop.
type Stats struct {
	GeneratedAt        time.Time              `json:"generated_at"`
	TotalNodes         int                    `json:"total_nodes"`
	ActiveNodes        int                    `json:"active_nodes"`
	InactiveNodes      int                    `json:"inactive_nodes"`
	TransitioningNodes int                    `json:"transitioning_nodes"`
	TotalRecords       uint64                 `json:"total_records"`
	TotalConnectedPeers uint64                `json:"total_connected_peers"`
	EstimatedNetSize   uint64                 `json:"estimated_net_size"`
	Balances           map[string]*big.Int    `json:"balances"`
	Earnings           map[string][]PeriodStats `json:"earnings"`
}

// NodeFilter selects a subset of nodes for list_nodes.
type NodeFilter struct {
	Status *StatusKind `json:"status,omitempty"`
	Search string      `json:"search,omitempty"`
}

// NodeSummary is the list_nodes view: a record plus derived,
// non-persisted fields computed fresh on every ListNodes call rather
// than stored on the record (sort_nodes.rs's view-building shape).
type NodeSummary struct {
	NodeInstanceInfo
	StatusInfo string `json:"status_info"`

	// NodeIndex is this node's position in the returned (sorted) list.
	NodeIndex int `json:"node_index"`
	// VersionMatchesLatest compares BinVersion against the list's
	// LatestBinVersion; false when either side is unknown.
	VersionMatchesLatest bool `json:"version_matches_latest"`
}

// NodeList is the response body for POST /nodes/list.
type NodeList struct {
	LatestBinVersion string        `json:"latest_bin_version,omitempty"`
	Nodes            []NodeSummary `json:"nodes"`
	Stats            Stats         `json:"stats"`
	ScheduledBatches []Batch       `json:"scheduled_batches"`
}

// BgCmdKind is the closed discriminant for BgCmd, the single command
// broadcast topic consumed by BackgroundLoop (SPEC_FULL.md §4.6/§9).
type BgCmdKind string

const (
	BgApplySettings    BgCmdKind = "apply_settings"
	BgCheckBalanceFor  BgCmdKind = "check_balance_for"
	BgDeleteBalanceFor BgCmdKind = "delete_balance_for"
	BgCheckAllBalances BgCmdKind = "check_all_balances"
)

// BgCmd is a closed tagged union carried on the background-loop
// command channel.
type BgCmd struct {
	Kind     BgCmdKind
	Settings *Settings
	Node     *NodeInstanceInfo
}
