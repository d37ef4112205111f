// Package app wires the configured components together for the monitor
// service and the valgdata command.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/valgresultat/downloader/pkg/config"
	"github.com/valgresultat/downloader/pkg/db"
	"github.com/valgresultat/downloader/pkg/discovery"
	"github.com/valgresultat/downloader/pkg/entity"
	"github.com/valgresultat/downloader/pkg/lock"
	"github.com/valgresultat/downloader/pkg/metrics"
	"github.com/valgresultat/downloader/pkg/monitor"
	"github.com/valgresultat/downloader/pkg/registry"
	"github.com/valgresultat/downloader/pkg/retention"
	"github.com/valgresultat/downloader/pkg/runs"
	"github.com/valgresultat/downloader/pkg/snapshot"
	"github.com/valgresultat/downloader/pkg/upstream"
)

// App holds the shared components built from a Config.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *gorm.DB
	Runs     *runs.Store
	Locker   lock.Locker
	Metrics  *metrics.Metrics
	Fetcher  upstream.Fetcher
	Store    *snapshot.Store
	Registry *registry.FileStore
}

// New opens the database and builds every component. Metrics are registered
// on reg; a nil reg disables metrics.
func New(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gormDB, err := db.Open(cfg.DatabaseType, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	runStore := runs.NewStore(gormDB)
	if err := runStore.AutoMigrate(); err != nil {
		_ = db.Close(gormDB)
		return nil, fmt.Errorf("migrate runs table: %w", err)
	}
	locker, err := lock.New(gormDB, lock.Options{})
	if err != nil {
		_ = db.Close(gormDB)
		return nil, err
	}
	ref, err := snapshot.NewLatestRef(cfg.LatestMode)
	if err != nil {
		_ = db.Close(gormDB)
		return nil, err
	}

	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		DB:      gormDB,
		Runs:    runStore,
		Locker:  locker,
		Metrics: m,
		Fetcher: upstream.NewClient(upstream.Config{
			BaseURL:     cfg.APIBaseURL,
			Timeout:     cfg.FetchTimeout,
			MaxAttempts: cfg.FetchMaxAttempts,
		}, logger),
		Store: snapshot.NewStore(cfg.DataPath, ref,
			snapshot.WithPayloadCache(cfg.CacheSize),
			snapshot.WithLogger(logger)),
		Registry: registry.NewFileStore(cfg.RegistryPath(), logger),
	}, nil
}

// Close releases the database.
func (a *App) Close() error {
	return db.Close(a.DB)
}

// EnsureDirs creates the per-year tier directories.
func (a *App) EnsureDirs() error {
	for _, year := range a.Config.ElectionYears {
		if err := a.Store.Layout().EnsureYearDirs(year); err != nil {
			return fmt.Errorf("create directories for %s: %w", year, err)
		}
	}
	return nil
}

// DiscoverOptions controls Discover.
type DiscoverOptions struct {
	// Full walks the whole hierarchy instead of skipping known subtrees, so
	// subtrees that failed in an earlier pass are recovered.
	Full bool
	// DryRun discovers without writing the registry file.
	DryRun bool
}

// Discover loads the persisted registry, discovers new entities and merges
// them into the registry file. When discovery fails entirely the persisted
// registry is returned unchanged. The returned registry is usable even when
// err is non-nil.
func (a *App) Discover(ctx context.Context, opts DiscoverOptions) (registry.Registry, *discovery.Result, error) {
	known, _, err := a.Registry.Load(ctx)
	if err != nil {
		a.Logger.Error("could not load entity registry, starting empty", "path", a.Registry.Path(), "error", err)
	}
	if known == nil {
		known = registry.Registry{}
	}

	var run *runs.Run
	if r, err := a.Runs.Start(runs.KindDiscovery, "", opts.DryRun); err != nil {
		a.Logger.Warn("could not record discovery run", "error", err)
	} else {
		run = r
	}

	seed := known
	if opts.Full {
		seed = registry.Registry{}
	}

	a.Logger.Info("discovering entities", "years", a.Config.ElectionYears, "full", opts.Full)
	res := discovery.NewDiscoverer(a.Fetcher, a.Metrics, a.Logger).Discover(ctx, a.Config.ElectionYears, seed)

	merged := known.Clone()
	added := merged.Merge(res.Registry)
	counts := runs.Counts{
		Processed: merged.Count(entity.TierRegion) + merged.Count(entity.TierMunicipality) + merged.Count(entity.TierDistrict),
		Changed:   added,
		Failed:    len(res.Failures),
		Message:   fmt.Sprintf("status %s, skipped %d malformed", res.Status, res.Skipped),
	}

	var runErr error
	switch {
	case res.Status == discovery.StatusFailed:
		a.Logger.Warn("discovery failed, keeping persisted registry", "error", res.Err())
		merged = known
		counts.Changed = 0
		runErr = res.Err()
	case opts.DryRun:
		a.Logger.Info("dry run, registry file not written", "added", added)
	default:
		saved, n, err := a.Registry.MergeAndSave(ctx, res.Registry)
		if err != nil {
			a.Logger.Error("could not save entity registry", "path", a.Registry.Path(), "error", err)
			runErr = err
		} else {
			merged, counts.Changed = saved, n
		}
	}

	if run != nil {
		if err := a.Runs.Finish(run, counts, runErr); err != nil {
			a.Logger.Warn("could not finish discovery run", "error", err)
		}
	}
	a.RecordRegistrySize(merged)

	a.Logger.Info("discovery finished",
		"status", res.Status,
		"added", counts.Changed,
		"fylke", merged.Count(entity.TierRegion),
		"kommune", merged.Count(entity.TierMunicipality),
		"krets", merged.Count(entity.TierDistrict),
		"failures", len(res.Failures))

	if res.Status == discovery.StatusFailed {
		return merged, res, fmt.Errorf("discovery failed: %w", res.Err())
	}
	return merged, res, runErr
}

// RecordRegistrySize publishes the registry size per tier.
func (a *App) RecordRegistrySize(reg registry.Registry) {
	for _, tier := range entity.RegistryTiers {
		a.Metrics.SetRegistrySize(tier, reg.Count(tier))
	}
}

// NewMonitor creates the snapshot monitor for reg.
func (a *App) NewMonitor(reg registry.Registry) *monitor.Monitor {
	return monitor.New(a.Fetcher, a.Store, a.Config.ElectionYears, reg,
		monitor.WithIntervals(a.Config.Intervals),
		monitor.WithCheckInterval(a.Config.CheckInterval),
		monitor.WithConcurrency(a.Config.FetchConcurrency),
		monitor.WithLocker(a.Locker),
		monitor.WithMetrics(a.Metrics),
		monitor.WithRunStore(a.Runs),
		monitor.WithLogger(a.Logger))
}

// NewRetentionManager creates the retention manager over the data path.
func (a *App) NewRetentionManager(dryRun bool) *retention.Manager {
	return retention.NewManager(a.Config.DataPath,
		retention.WithPolicies(a.Config.Policies),
		retention.WithWindow(a.Config.ElectionWindow),
		retention.WithLocker(a.Locker),
		retention.WithMetrics(a.Metrics),
		retention.WithRunStore(a.Runs),
		retention.WithDryRun(dryRun),
		retention.WithLogger(a.Logger))
}
