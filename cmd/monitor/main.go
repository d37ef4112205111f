// Package main is the long-running election results downloader. It
// discovers the entity hierarchy at startup, then polls every entity on its
// tier schedule and stores changed payloads as snapshots.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/valgresultat/downloader/internal/app"
	"github.com/valgresultat/downloader/pkg/config"
	"github.com/valgresultat/downloader/pkg/entity"
	"github.com/valgresultat/downloader/pkg/monitor"
	"github.com/valgresultat/downloader/pkg/opsserver"
	"github.com/valgresultat/downloader/pkg/registry"
	"github.com/valgresultat/downloader/pkg/retention"
	"github.com/valgresultat/downloader/pkg/runs"
)

func main() {
	var (
		rediscoverEvery time.Duration
		cleanupEvery    time.Duration
		verbose         bool
	)

	config.BindFlags(pflag.CommandLine)
	pflag.DurationVar(&rediscoverEvery, "rediscover-every", 0, "Re-run entity discovery at this interval (0 disables)")
	pflag.DurationVar(&cleanupEvery, "cleanup-every", 0, "Run the retention sweep in-process at this interval (0 disables)")
	pflag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(pflag.CommandLine)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("starting election results downloader",
		"apiBaseURL", cfg.APIBaseURL,
		"dataPath", cfg.DataPath,
		"years", cfg.ElectionYears,
		"electionMonths", cfg.ElectionWindow.String(),
		"latestMode", cfg.LatestMode,
		"database", cfg.DatabaseType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	a, err := app.New(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	if n, err := a.Runs.AbandonRunning(); err != nil {
		logger.Warn("could not mark abandoned runs", "error", err)
	} else if n > 0 {
		logger.Info("marked runs of a previous process as failed", "count", n)
	}

	if err := a.EnsureDirs(); err != nil {
		glog.Fatalf("Failed to create data directories: %v", err)
	}

	var wg sync.WaitGroup
	ops := opsserver.New(a.DB, a.Runs, prometheus.DefaultGatherer, logger)
	if cfg.OpsListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ops.ListenAndServe(ctx, cfg.OpsListen); err != nil {
				glog.Fatalf("Ops server error: %v", err)
			}
		}()
	}

	reg, _, err := a.Discover(ctx, app.DiscoverOptions{})
	if err != nil {
		logger.Warn("continuing with the persisted entity registry", "error", err)
	}
	entities := entityCount(reg)
	if entities == 0 {
		logger.Warn("entity registry is empty, only the national tier will be polled")
	}
	ops.SetRegistryLoaded(entities)

	wg.Add(1)
	go func() {
		defer wg.Done()
		runs.NewRetentionWorker(a.Runs, cfg.RunRetentionDays, logger).Run(ctx)
	}()

	if cleanupEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			retention.NewWorker(a.NewRetentionManager(false), cleanupEvery, logger).Run(ctx)
		}()
	}

	mon := a.NewMonitor(reg)
	if rediscoverEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rediscover(ctx, a, mon, ops, rediscoverEvery)
		}()
	}

	if err := mon.Run(ctx); err != nil {
		logger.Error("monitor stopped with error", "error", err)
	}

	logger.Info("shutting down...")
	wg.Wait()
	logger.Info("election results downloader stopped")
}

// rediscover refreshes the monitored registry periodically. A failed pass
// keeps the current registry.
func rediscover(ctx context.Context, a *app.App, mon *monitor.Monitor, ops *opsserver.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg, _, err := a.Discover(ctx, app.DiscoverOptions{})
			if err != nil {
				a.Logger.Warn("rediscovery incomplete", "error", err)
			}
			mon.SetRegistry(reg)
			ops.SetRegistryLoaded(entityCount(reg))
		}
	}
}

func entityCount(reg registry.Registry) int {
	n := 0
	for _, tier := range entity.RegistryTiers {
		n += reg.Count(tier)
	}
	return n
}
