package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/formicaio/pkg/api"
	"github.com/cuemby/formicaio/pkg/background"
	"github.com/cuemby/formicaio/pkg/batch"
	"github.com/cuemby/formicaio/pkg/config"
	"github.com/cuemby/formicaio/pkg/events"
	"github.com/cuemby/formicaio/pkg/launcher"
	"github.com/cuemby/formicaio/pkg/ledger"
	"github.com/cuemby/formicaio/pkg/locktable"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/manager"
	"github.com/cuemby/formicaio/pkg/mcp"
	"github.com/cuemby/formicaio/pkg/metrics"
	"github.com/cuemby/formicaio/pkg/metricscache"
	"github.com/cuemby/formicaio/pkg/scrape"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "formicaioctl",
	Short:   "formicaio - a fleet supervisor for Autonomi network nodes",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("formicaioctl version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the formicaio supervisor: HTTP API, MCP control plane and background loop",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	ctx := context.Background()
	settings, err := store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if settings.L2RpcURL == "" {
		settings.L2RpcURL = cfg.L2RpcURL
	}
	if settings.RewardsTokenAddr == "" {
		settings.RewardsTokenAddr = cfg.RewardsTokenAddr
	}

	locks := locktable.New()
	cache := metricscache.New(store)

	launch, err := launcher.NewContainerdLauncher(cfg.ContainerdSocket, cfg.FormicaImageRef, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("start node launcher: %w", err)
	}

	metricsClient := scrape.NewMetricsClient(cfg.MetricsProxyAddr)
	rpcClient := scrape.NewRpcClient()

	var ledgerClient *ledger.Client
	if settings.L2RpcURL != "" {
		ledgerClient, err = ledger.Dial(settings.L2RpcURL, settings.RewardsTokenAddr)
		if err != nil {
			log.Logger.Warn().Err(err).Msg("ledger client unavailable, balance/earnings ticks disabled")
		} else {
			defer ledgerClient.Close()
		}
	}

	bgCmds := events.NewBroker[types.BgCmd](log.Logger)
	bgCmds.Start()
	defer bgCmds.Stop()

	batchCancel := events.NewBroker[types.BatchID](log.Logger)
	batchCancel.Start()
	defer batchCancel.Stop()

	mgr := manager.New(store, locks, cache, launch, rpcClient, bgCmds)
	sched := batch.New(mgr, store, locks, batchCancel)
	bg := background.New(store, locks, cache, launch, metricsClient, rpcClient, ledgerClient, bgCmds, settings)
	bg.SetVersionSink(mgr.SetLatestBinVersion)
	bg.Start()
	defer bg.Stop()

	metrics.RegisterComponent("store", true, "ready")
	metrics.RegisterComponent("launcher", true, "ready")

	collector := metrics.NewCollector(store, func() metrics.BatchCounts { return sched.Counts() })
	collector.Start()
	defer collector.Stop()

	mcpServer := mcp.New(mgr, sched, bg)
	if err := mcpServer.Start(cfg.McpAddr); err != nil {
		return fmt.Errorf("start mcp server: %w", err)
	}
	defer func() { _ = mcpServer.Stop(context.Background()) }()

	apiServer := api.NewServer(mgr, sched, bg, store, mcpServer, cfg.CORSAllowedOrigins)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: apiServer}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http api server: %w", err)
		}
	}()
	metrics.RegisterComponent("api", true, "ready")

	log.Logger.Info().
		Str("http_addr", cfg.HTTPAddr).
		Str("mcp_addr", cfg.McpAddr).
		Str("data_dir", cfg.DataDir).
		Msg("formicaio supervisor started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("server error, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	return nil
}
