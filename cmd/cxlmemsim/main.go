// Package main — cmd/cxlmemsim/main.go
//
// CXLMemSim node daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/cxlmemsim/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open BoltDB storage (advisory; degrades to in-memory-only on failure).
//  4. Prune stale ledger entries.
//  5. Start Prometheus metrics server.
//  6. Construct and start the NodeServer (SMM, HDM decoder, coherency
//     engine, message fabric, heartbeat loop).
//  7. Start the admin introspection socket, if enabled.
//  8. Register SIGHUP handler for config hot-reload.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to the metrics and admin servers).
//  2. Stop the NodeServer (heartbeat loop, fabric worker pool, shared
//     memory unmap).
//  3. Close BoltDB.
//  4. Flush logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sluglab/cxlmemsim/contrib"
	"github.com/sluglab/cxlmemsim/internal/admin"
	"github.com/sluglab/cxlmemsim/internal/config"
	"github.com/sluglab/cxlmemsim/internal/nodeserver"
	"github.com/sluglab/cxlmemsim/internal/observability"
	"github.com/sluglab/cxlmemsim/internal/storage"
)

func main() {
	defaultConfigPath := config.DefaultConfigPath
	if p := os.Getenv("CXLMEMSIM_CONFIG"); p != "" {
		defaultConfigPath = p
	}
	configPath := flag.String("config", defaultConfigPath, "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("cxlmemsim %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	if lvl := os.Getenv("CXLMEMSIM_LOG_LEVEL"); lvl != "" {
		cfg.Observability.LogLevel = lvl
	}

	// ── Step 2: Initialise logger ──────────────────────────────────────────
	log, logLevel, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("cxlmemsim node starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.Uint32("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB (advisory) ────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Warn("BoltDB open failed — running without advisory storage",
			zap.Error(err), zap.String("path", cfg.Storage.DBPath))
		db = nil
	} else {
		defer db.Close() //nolint:errcheck
		log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

		// ── Step 4: Prune stale ledger entries ───────────────────────────
		pruned, err := db.PruneOldLedgerEntries()
		if err != nil {
			log.Warn("ledger pruning failed", zap.Error(err))
		} else {
			log.Info("ledger pruned", zap.Int("deleted", pruned))
		}
	}

	// ── Step 5: Prometheus metrics ─────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: NodeServer ─────────────────────────────────────────────────
	node, err := nodeserver.New(cfg, log, metrics, db)
	if err != nil {
		log.Fatal("nodeserver construction failed", zap.Error(err))
	}
	node.Engine().RegisterObserver(contrib.NewStatsObserver())
	node.Start(ctx)
	log.Info("nodeserver started")

	// ── Step 7: Admin introspection socket ─────────────────────────────────
	if cfg.Admin.Enabled {
		adminSrv := admin.New(cfg.Admin.SocketPath, node, string(cfg.Topology.Mode),
			rangeViews(cfg), interleaveView(cfg), log)
		go func() {
			if err := adminSrv.ListenAndServe(ctx); err != nil {
				log.Error("admin server error", zap.Error(err))
			}
		}()
		log.Info("admin socket started", zap.String("path", cfg.Admin.SocketPath))
	}

	// ── Step 8: SIGHUP hot-reload ────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			if lvl := os.Getenv("CXLMEMSIM_LOG_LEVEL"); lvl != "" {
				newCfg.Observability.LogLevel = lvl
			}
			// Only non-destructive fields (LogP parameters, log level,
			// heartbeat/timeout tuning) are applied; SHM names, topology
			// and node_id require a restart.
			node.ApplyReloadable(newCfg)
			var newLevel zapcore.Level
			if err := newLevel.UnmarshalText([]byte(newCfg.Observability.LogLevel)); err != nil {
				log.Error("config hot-reload: invalid log level retained", zap.Error(err))
			} else {
				logLevel.SetLevel(newLevel)
			}
			log.Info("config hot-reload applied",
				zap.Float64("l_ns", newCfg.LogP.LNs),
				zap.Int("heartbeat_interval_ms", newCfg.Fabric.HeartbeatIntervalMS),
				zap.Int("send_and_wait_timeout_ms", newCfg.Fabric.SendAndWaitTimeoutMS),
				zap.String("log_level", newCfg.Observability.LogLevel))
		}
	}()

	// ── Step 9: Wait for shutdown signal ───────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	node.Stop(cfg.NodeID == 0)

	log.Info("cxlmemsim node shutdown complete")
}

// rangeViews mirrors cfg's configured HDM ranges for the admin "ranges" command.
func rangeViews(cfg *config.Config) []admin.RangeView {
	out := make([]admin.RangeView, 0, len(cfg.Topology.Ranges))
	for _, r := range cfg.Topology.Ranges {
		out = append(out, admin.RangeView{Base: r.Base, Size: r.Size, TargetID: r.TargetID, IsRemote: r.IsRemote})
	}
	return out
}

// interleaveView mirrors cfg's interleave config, or nil if unconfigured.
func interleaveView(cfg *config.Config) *admin.InterleaveView {
	ic := cfg.Topology.Interleave
	if len(ic.Targets) == 0 {
		return nil
	}
	return &admin.InterleaveView{
		Granularity: ic.Granularity,
		Targets:     ic.Targets,
		Base:        ic.Base,
		TotalSize:   ic.TotalSize,
	}
}

// buildLogger constructs a zap.Logger with the given level and format. The
// returned AtomicLevel is what SIGHUP hot-reload adjusts at runtime.
func buildLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	atomicLevel := zap.NewAtomicLevelAt(zapLevel)
	cfg.Level = atomicLevel

	log, err := cfg.Build()
	return log, atomicLevel, err
}
