// Package background implements BackgroundLoop (C9): one long-lived
// supervisor task driving five independently re-armed tickers plus the
// BgCmd command channel, grounded on the teacher's
// reconciler.Reconciler single-ticker/mutex/stopCh shape (generalized
// to five tickers) and worker.HealthMonitor's sync-then-act loop
// structure for the per-node metrics poll.
package background

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/formicaio/pkg/events"
	"github.com/cuemby/formicaio/pkg/launcher"
	"github.com/cuemby/formicaio/pkg/ledger"
	"github.com/cuemby/formicaio/pkg/locktable"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/metrics"
	"github.com/cuemby/formicaio/pkg/metricscache"
	"github.com/cuemby/formicaio/pkg/scrape"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

// MetricsMaxSizePerNode is METRICS_MAX_SIZE_PER_NODE: the number of
// distinct timestamps retained per node by the metrics_pruning tick.
const MetricsMaxSizePerNode = 500

// identityRefreshEveryNCycles rate-limits the RPC peer-identity
// refresh inside the metrics poll to once every 5 polling cycles per
// node, per spec.md §4.6.
const identityRefreshEveryNCycles = 5

// Loop is BackgroundLoop (C9).
type Loop struct {
	store   storage.Store
	locks   *locktable.Table
	cache   *metricscache.Cache
	launch  launcher.Launcher
	metricsClient *scrape.MetricsClient
	rpc     *scrape.RpcClient
	ledger  *ledger.Client // nil if no L2_RPC_URL configured
	cmds    *events.Broker[types.BgCmd]
	log     zerolog.Logger

	mu       sync.RWMutex
	settings types.Settings
	stats    types.Stats
	refreshCountdown map[types.NodeID]int

	// versionSink, if set, receives every version checkBinVersion
	// discovers, so a consumer outside this package (NodeManager's
	// latestBinVersion cell) can surface it through list_nodes.
	versionSink func(version string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a BackgroundLoop. ledgerClient may be nil when no L2 RPC
// endpoint is configured; balance/earnings ticks become no-ops.
func New(store storage.Store, locks *locktable.Table, cache *metricscache.Cache, launch launcher.Launcher, metricsClient *scrape.MetricsClient, rpc *scrape.RpcClient, ledgerClient *ledger.Client, cmds *events.Broker[types.BgCmd], settings types.Settings) *Loop {
	return &Loop{
		store:            store,
		locks:            locks,
		cache:            cache,
		launch:           launch,
		metricsClient:    metricsClient,
		rpc:              rpc,
		ledger:           ledgerClient,
		cmds:             cmds,
		log:              log.WithComponent("background"),
		settings:         settings,
		refreshCountdown: make(map[types.NodeID]int),
		stopCh:           make(chan struct{}),
	}
}

// SetVersionSink registers the callback checkBinVersion reports newly
// discovered bin versions to. Must be called before Start.
func (l *Loop) SetVersionSink(sink func(version string)) {
	l.versionSink = sink
}

// Stats returns the latest published fleet-wide aggregate snapshot.
func (l *Loop) Stats() types.Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// Start launches the ticker supervisor and the command consumer.
func (l *Loop) Start() {
	l.wg.Add(2)
	go l.run()
	go l.consumeCommands()
}

// Stop signals both loops to exit and waits for them.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) run() {
	defer l.wg.Done()

	metricsTicker := time.NewTicker(l.intervalOr(l.settingSecs(func(s types.Settings) int { return s.NodesMetricsPollingSecs }), 5*time.Second))
	balancesTicker := time.NewTicker(l.intervalOr(l.settingSecs(func(s types.Settings) int { return s.BalancesRetrievalSecs }), 15*time.Minute))
	binVersionTicker := time.NewTicker(l.intervalOr(l.settingSecs(func(s types.Settings) int { return s.BinVersionCheckSecs }), 6*time.Hour))
	pruningTicker := time.NewTicker(l.intervalOr(l.settingSecs(func(s types.Settings) int { return s.MetricsPruningSecs }), time.Hour))
	imagePullTicker := time.NewTicker(l.intervalOr(l.settingSecs(func(s types.Settings) int { return s.ImagePullingSecs }), 6*time.Hour))
	defer metricsTicker.Stop()
	defer balancesTicker.Stop()
	defer binVersionTicker.Stop()
	defer pruningTicker.Stop()
	defer imagePullTicker.Stop()

	l.log.Info().Msg("background loop started")

	for {
		select {
		case <-metricsTicker.C:
			l.tick("metrics_poll", l.pollMetrics)
			metricsTicker.Reset(l.intervalOr(l.settingSecs(func(s types.Settings) int { return s.NodesMetricsPollingSecs }), 5*time.Second))

		case <-balancesTicker.C:
			l.cmds.Publish(types.BgCmd{Kind: types.BgCheckAllBalances})
			balancesTicker.Reset(l.intervalOr(l.settingSecs(func(s types.Settings) int { return s.BalancesRetrievalSecs }), 15*time.Minute))

		case <-binVersionTicker.C:
			l.tick("bin_version_check", l.checkBinVersion)
			binVersionTicker.Reset(l.intervalOr(l.settingSecs(func(s types.Settings) int { return s.BinVersionCheckSecs }), 6*time.Hour))

		case <-pruningTicker.C:
			l.tick("metrics_pruning", l.pruneMetrics)
			pruningTicker.Reset(l.intervalOr(l.settingSecs(func(s types.Settings) int { return s.MetricsPruningSecs }), time.Hour))

		case <-imagePullTicker.C:
			l.tick("image_pulling", l.pullImage)
			imagePullTicker.Reset(l.intervalOr(l.settingSecs(func(s types.Settings) int { return s.ImagePullingSecs }), 6*time.Hour))

		case <-l.stopCh:
			l.log.Info().Msg("background loop stopped")
			return
		}
	}
}

func (l *Loop) intervalOr(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// settingSecs reads one field off l.settings under RLock, the same
// guard Stats() uses for l.stats, so run()'s ticker resets never race
// handleCmd's BgApplySettings write.
func (l *Loop) settingSecs(get func(types.Settings) int) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return get(l.settings)
}

// tick instruments and runs one ticker cycle, logging but not
// propagating errors: a failed cycle must not kill the loop.
func (l *Loop) tick(name string, fn func(ctx context.Context) error) {
	timer := metrics.NewTimer()
	ctx := context.Background()
	if err := fn(ctx); err != nil {
		l.log.Error().Err(err).Str("cycle", name).Msg("background cycle failed")
	}
	timer.ObserveDurationVec(metrics.PollCycleDuration, name)
	metrics.PollCyclesTotal.WithLabelValues(name).Inc()
}

func (l *Loop) consumeCommands() {
	defer l.wg.Done()

	sub := l.cmds.Subscribe()
	defer l.cmds.Unsubscribe(sub)

	for {
		select {
		case cmd := <-sub:
			l.handleCmd(cmd)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loop) handleCmd(cmd types.BgCmd) {
	ctx := context.Background()
	switch cmd.Kind {
	case types.BgApplySettings:
		if cmd.Settings != nil {
			l.mu.Lock()
			l.settings = *cmd.Settings
			l.mu.Unlock()
		}
	case types.BgCheckBalanceFor:
		if cmd.Node != nil {
			l.refreshBalance(ctx, cmd.Node)
		}
	case types.BgDeleteBalanceFor:
		// nothing persistent to delete beyond the node record itself,
		// already removed by NodeManager.DeleteNode; this command only
		// exists so a delete never races a balance refresh for the
		// same address.
	case types.BgCheckAllBalances:
		if err := l.checkAllBalances(ctx); err != nil {
			l.log.Error().Err(err).Msg("check_all_balances failed")
		}
	}
}
