// Command duramqd runs the duramq broker: a durable, in-order, per-queue
// message store speaking a memcache-compatible text protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/duramq/duramq/internal/broker"
	cfgpkg "github.com/duramq/duramq/internal/config"
	"github.com/duramq/duramq/internal/journal"
	"github.com/duramq/duramq/internal/metrics"
	"github.com/duramq/duramq/internal/queue"
	"github.com/duramq/duramq/internal/server"
	pebblestore "github.com/duramq/duramq/internal/storage/pebble"
	logpkg "github.com/duramq/duramq/pkg/log"
)

func main() {
	root := &cobra.Command{
		Use:   "duramqd",
		Short: "duramqd is the duramq broker daemon",
	}
	root.AddCommand(newServeCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	var addr, dataDir, metricsAddr, fsync, logLevel, logFormat string
	var fsyncIntervalMs, maxOpenReads, maxSessions int

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start", "run"},
		Short:   "Start the broker and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			applyFlags(cmd, &cfg, addr, dataDir, metricsAddr, fsync, logLevel, logFormat, fsyncIntervalMs, maxOpenReads, maxSessions)

			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a JSON or YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "memcache protocol listen address (default :22133)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory for journals and index")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (disabled if empty)")
	cmd.Flags().StringVar(&fsync, "fsync", "", "durability mode: sync|never|periodic")
	cmd.Flags().IntVar(&fsyncIntervalMs, "fsync-interval-ms", 0, "group-commit window when --fsync=periodic")
	cmd.Flags().IntVar(&maxOpenReads, "max-open-reads", 0, "max concurrent reliable reads per session")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "session count above which writes/reads are refused")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "text|json")

	return cmd
}

func applyFlags(cmd *cobra.Command, cfg *cfgpkg.Config, addr, dataDir, metricsAddr, fsync, logLevel, logFormat string, fsyncIntervalMs, maxOpenReads, maxSessions int) {
	if cmd.Flags().Changed("addr") {
		cfg.Addr = addr
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if cmd.Flags().Changed("fsync") {
		cfg.Fsync = fsync
	}
	if cmd.Flags().Changed("fsync-interval-ms") {
		cfg.FsyncInterval = time.Duration(fsyncIntervalMs) * time.Millisecond
	}
	if cmd.Flags().Changed("max-open-reads") {
		cfg.MaxOpenReads = maxOpenReads
	}
	if cmd.Flags().Changed("max-sessions") {
		cfg.MaxSessions = maxSessions
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = logFormat
	}
}

func run(cfg cfgpkg.Config) error {
	// Sample repeated warnings: a storage backend that fails every fsync
	// during an extended outage would otherwise log once per journal tick
	// for as long as the outage lasts.
	logger, err := logpkg.ApplyConfig(logpkg.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, logpkg.WithSampledLogging(3, 200))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logpkg.RedirectStdLog(logger)
	instanceID := uuid.NewString()
	logger = logger.With(logpkg.Str("instance", instanceID))

	journalMode, err := journal.ParseMode(cfg.Fsync)
	if err != nil {
		return err
	}
	pebbleFsync := pebblestore.FsyncModeAlways
	switch journalMode {
	case journal.ModeNever:
		pebbleFsync = pebblestore.FsyncModeNever
	case journal.ModePeriodic:
		pebbleFsync = pebblestore.FsyncModeInterval
	}

	collection, err := queue.Open(queue.Options{
		DataDir:       cfg.DataDir,
		JournalMode:   journalMode,
		JournalPeriod: cfg.FsyncInterval,
		PebbleFsync:   pebbleFsync,
		Metrics:       metrics.JournalHook{},
		IndexMetrics:  metrics.PebbleHook{},
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("open queue collection: %w", err)
	}
	defer collection.Close()
	collection.StartSweeper(30 * time.Second)

	b := broker.NewBroker(collection, logger, cfg.MaxOpenReads, int64(cfg.MaxSessions), time.Duration(cfg.ShutdownGraceMs)*time.Millisecond)
	b.Gate.EnableStatus()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(b, logger, cfg.MaxItemBytes, stop, func() error {
		logger.Info("config reload requested (no-op: process restart required)")
		return nil
	})

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.ListenAndServe(ctx, cfg.Addr); err != nil {
			return fmt.Errorf("tcp listener: %w", err)
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		ms := server.NewMetricsServer(cfg.MetricsAddr, metrics.Collectors(), logger)
		group.Go(func() error {
			if err := ms.ListenAndServe(ctx); err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		go refreshQueueGauges(ctx, collection)
	}

	logger.Info("duramqd started", logpkg.Str("addr", cfg.Addr), logpkg.Str("data_dir", cfg.DataDir), logpkg.Str("fsync", cfg.Fsync))

	go func() {
		<-gctx.Done()
		stop()
	}()

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("listener failed", logpkg.Err(err))
	}

	if !srv.Wait(time.Duration(cfg.ShutdownGraceMs) * time.Millisecond * 10) {
		logger.Warn("shutdown grace period elapsed with sessions still active")
	}
	return nil
}

func refreshQueueGauges(ctx context.Context, c *queue.Collection) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, name := range c.QueueNames() {
				stats, err := c.Stats(name)
				if err != nil {
					continue
				}
				metrics.QueueItems.WithLabelValues(name).Set(parseFloat(stats["items"]))
				metrics.QueueBytes.WithLabelValues(name).Set(parseFloat(stats["bytes"]))
			}
		}
	}
}

func parseFloat(s string) float64 {
	var v float64
	_, _ = fmt.Sscanf(s, "%f", &v)
	return v
}
