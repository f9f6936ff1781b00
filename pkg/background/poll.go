package background

import (
	"context"
	"math/big"
	"time"

	"github.com/cuemby/formicaio/pkg/earnings"
	"github.com/cuemby/formicaio/pkg/types"
)

// pollMetrics implements the metrics poll cycle, spec.md §4.6.
func (l *Loop) pollMetrics(ctx context.Context) error {
	nodes, err := l.store.GetNodesList(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	var active, inactive, transitioning int
	var totalRecords, totalConnectedPeers, totalNetSize uint64
	balances := make(map[string]*big.Int)

	for _, info := range nodes {
		locked := info.IsStatusLocked
		switch {
		case info.Status.IsActive():
			active++
		case info.Status.Transient():
			transitioning++
		default:
			inactive++
		}

		if info.Status.IsActive() {
			l.scrapeOne(ctx, info, locked)
		}

		l.cache.UpdateNodeInfo(info)
		totalRecords += info.Records
		totalConnectedPeers += info.ConnectedPeers
		if info.NetSize > totalNetSize {
			totalNetSize = info.NetSize
		}

		if info.RewardsAddr != "" && info.Balance != nil {
			if _, ok := balances[info.RewardsAddr]; !ok {
				balances[info.RewardsAddr] = new(big.Int).Set(info.Balance)
			}
		}

		if err := l.store.UpdateNodeMetadata(ctx, info, true); err != nil {
			l.log.Warn().Err(err).Str("node_id", string(info.NodeID)).Msg("failed to persist polled node info")
		}
	}

	l.mu.Lock()
	l.stats = types.Stats{
		GeneratedAt:         now,
		TotalNodes:          len(nodes),
		ActiveNodes:         active,
		InactiveNodes:       inactive,
		TransitioningNodes:  transitioning,
		TotalRecords:        totalRecords,
		TotalConnectedPeers: totalConnectedPeers,
		EstimatedNetSize:    totalNetSize,
		Balances:            balances,
		Earnings:            l.stats.Earnings,
	}
	l.mu.Unlock()

	return nil
}

// scrapeOne scrapes one active node's metrics endpoint, updates the
// cache/store, and optionally refreshes its identity via RPC,
// rate-limited to once every identityRefreshEveryNCycles cycles.
func (l *Loop) scrapeOne(ctx context.Context, info *types.NodeInstanceInfo, locked bool) {
	if l.metricsClient != nil {
		points, err := l.metricsClient.Scrape(ctx, info.NodeID, info.NodeIP, info.MetricsPort)
		if err != nil {
			l.log.Debug().Err(err).Str("node_id", string(info.NodeID)).Msg("metrics scrape failed")
		} else if err := l.cache.Store(ctx, info.NodeID, points); err != nil {
			l.log.Warn().Err(err).Str("node_id", string(info.NodeID)).Msg("failed to persist scraped metrics")
		}
	}

	if locked {
		// transiently locked nodes still get their observations
		// recorded above, but their health/identity must not mutate
		// while a NodeManager action or batch step owns them.
		return
	}

	if l.rpc == nil {
		return
	}

	l.mu.Lock()
	l.refreshCountdown[info.NodeID]--
	due := l.refreshCountdown[info.NodeID] <= 0
	if due {
		l.refreshCountdown[info.NodeID] = identityRefreshEveryNCycles
	}
	l.mu.Unlock()

	if !due {
		return
	}

	peer, err := l.rpc.GetPeerInfo(ctx, info.NodeIP, info.Port)
	if err != nil {
		l.log.Debug().Err(err).Str("node_id", string(info.NodeID)).Msg("identity refresh failed")
		return
	}
	info.PeerID = peer.PeerID
	info.BinVersion = peer.BinVersion
}

// checkBinVersion implements node_bin_version_check, spec.md §4.6:
// query the node image's registry for its newest version and publish
// it via versionSink, without installing anything (UpgradeMasterBinary
// is the separate, operator-triggered install path).
func (l *Loop) checkBinVersion(ctx context.Context) error {
	version, err := l.launch.CheckLatestVersion(ctx)
	if err != nil {
		return err
	}
	l.log.Info().Str("version", version).Msg("latest node binary version discovered")
	if l.versionSink != nil {
		l.versionSink(version)
	}
	return nil
}

// pruneMetrics implements metrics_pruning, spec.md §4.6.
func (l *Loop) pruneMetrics(ctx context.Context) error {
	nodes, err := l.store.GetNodesList(ctx)
	if err != nil {
		return err
	}
	for id := range nodes {
		if err := l.store.RemoveOldestMetrics(ctx, id, MetricsMaxSizePerNode); err != nil {
			l.log.Warn().Err(err).Str("node_id", string(id)).Msg("metrics pruning failed")
		}
	}
	return nil
}

// pullImage implements formica_image_pulling, spec.md §4.6.
func (l *Loop) pullImage(ctx context.Context) error {
	return l.launch.PullFormicaImage(ctx)
}

// refreshBalance implements CheckBalanceFor: looks up the current
// reward-token balance for one node's rewards address.
func (l *Loop) refreshBalance(ctx context.Context, info *types.NodeInstanceInfo) {
	if l.ledger == nil || info.RewardsAddr == "" {
		return
	}
	balance, err := l.ledger.GetBalance(ctx, info.RewardsAddr)
	if err != nil {
		l.log.Warn().Err(err).Str("node_id", string(info.NodeID)).Msg("balance refresh failed")
		return
	}
	info.Balance = balance
	if err := l.store.UpdateNodeMetadata(ctx, info, true); err != nil {
		l.log.Warn().Err(err).Str("node_id", string(info.NodeID)).Msg("failed to persist refreshed balance")
	}
}

// checkAllBalances implements CheckAllBalances: refreshes every
// distinct rewards address's balance and earnings analysis, with
// memoisation so each address is queried at most once per pass.
func (l *Loop) checkAllBalances(ctx context.Context) error {
	if l.ledger == nil {
		return nil
	}

	nodes, err := l.store.GetNodesList(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]*big.Int)
	earningsByAddr := make(map[string][]types.PeriodStats)
	now := time.Now().Unix()

	for _, info := range nodes {
		if info.RewardsAddr == "" {
			continue
		}
		balance, ok := seen[info.RewardsAddr]
		if !ok {
			balance, err = l.ledger.GetBalance(ctx, info.RewardsAddr)
			if err != nil {
				l.log.Warn().Err(err).Str("address", info.RewardsAddr).Msg("balance query failed")
				continue
			}
			seen[info.RewardsAddr] = balance

			payments, err := l.store.LoadPayments(ctx, info.RewardsAddr)
			if err != nil {
				l.log.Warn().Err(err).Str("address", info.RewardsAddr).Msg("payment history load failed")
			} else {
				earningsByAddr[info.RewardsAddr] = earnings.Analyze(now, payments, earnings.DefaultPeriodsHours)
			}
		}

		info.Balance = balance
		if err := l.store.UpdateNodeMetadata(ctx, info, true); err != nil {
			l.log.Warn().Err(err).Str("node_id", string(info.NodeID)).Msg("failed to persist refreshed balance")
		}
	}

	l.mu.Lock()
	l.stats.Balances = seen
	l.stats.Earnings = earningsByAddr
	l.mu.Unlock()

	return nil
}
