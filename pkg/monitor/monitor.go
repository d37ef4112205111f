// Package monitor polls every registered entity on its tier's schedule and
// persists a new snapshot whenever the upstream payload changed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/valgresultat/downloader/pkg/entity"
	"github.com/valgresultat/downloader/pkg/lock"
	"github.com/valgresultat/downloader/pkg/metrics"
	"github.com/valgresultat/downloader/pkg/registry"
	"github.com/valgresultat/downloader/pkg/runs"
	"github.com/valgresultat/downloader/pkg/snapshot"
	"github.com/valgresultat/downloader/pkg/upstream"
)

// Outcome is the result of processing one entity.
type Outcome int

const (
	// OutcomeUnchanged means the payload matched the latest snapshot.
	OutcomeUnchanged Outcome = iota
	// OutcomeChanged means a new snapshot was written.
	OutcomeChanged
	// OutcomeSkipped means a change was detected but a snapshot for the
	// same minute already exists. The change is picked up next cycle.
	OutcomeSkipped
	// OutcomeFailed means the entity was skipped for this cycle.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeChanged:
		return "changed"
	case OutcomeSkipped:
		return "skipped"
	}
	return "failed"
}

// TierResult summarizes one pass over a tier.
type TierResult struct {
	Tier      entity.Tier
	Processed int
	Changed   int
	Unchanged int
	Skipped   int
	Failed    int
}

func (r *TierResult) add(o Outcome) {
	r.Processed++
	switch o {
	case OutcomeChanged:
		r.Changed++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Monitor is the polling loop.
type Monitor struct {
	fetcher       upstream.Fetcher
	store         *snapshot.Store
	schedule      *Schedule
	years         []string
	checkInterval time.Duration
	concurrency   int
	clock         clock.WithTicker
	locker        lock.Locker
	metrics       *metrics.Metrics
	runs          *runs.Store
	logger        *slog.Logger

	mu  sync.RWMutex
	reg registry.Registry
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithIntervals overrides tier intervals.
func WithIntervals(intervals map[entity.Tier]time.Duration) Option {
	return func(m *Monitor) { m.schedule = NewSchedule(intervals) }
}

// WithCheckInterval sets how often due tiers are checked.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// WithConcurrency fetches up to n entities of a tier in parallel.
// 1 processes entities one after another.
func WithConcurrency(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

func WithClock(c clock.WithTicker) Option { return func(m *Monitor) { m.clock = c } }

// WithLocker sets the lock shared with the retention sweep.
func WithLocker(l lock.Locker) Option { return func(m *Monitor) { m.locker = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

// WithRunStore records every tier pass in the run ledger.
func WithRunStore(s *runs.Store) Option { return func(m *Monitor) { m.runs = s } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Monitor for years, polling the entities of reg.
func New(fetcher upstream.Fetcher, store *snapshot.Store, years []string, reg registry.Registry, opts ...Option) *Monitor {
	m := &Monitor{
		fetcher:       fetcher,
		store:         store,
		schedule:      NewSchedule(nil),
		years:         append([]string(nil), years...),
		checkInterval: DefaultCheckInterval,
		concurrency:   1,
		clock:         clock.RealClock{},
		locker:        lock.NewLocal(),
		logger:        slog.Default(),
		reg:           reg,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.reg == nil {
		m.reg = registry.Registry{}
	}
	return m
}

// Schedule returns the scheduler state.
func (m *Monitor) Schedule() *Schedule {
	return m.schedule
}

// SetRegistry replaces the polled entities. It takes effect at the next
// tier pass.
func (m *Monitor) SetRegistry(reg registry.Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reg = reg.Clone()
}

func (m *Monitor) registry() registry.Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reg
}

// Run checks for due tiers immediately and then every check interval until
// ctx is cancelled. An in-flight entity is finished before Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.Info("monitor started",
		"years", m.years,
		"checkInterval", m.checkInterval.String(),
		"concurrency", m.concurrency)

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C():
			m.Check(ctx)
		}
	}
}

// Check processes every due tier in order national, region, municipality,
// district and returns the results.
func (m *Monitor) Check(ctx context.Context) []TierResult {
	now := m.clock.Now()
	var results []TierResult
	for _, tier := range m.schedule.DueTiers(now) {
		if ctx.Err() != nil {
			break
		}
		m.schedule.MarkRun(tier, now)
		results = append(results, m.ProcessTier(ctx, tier))
	}
	return results
}

// ProcessTier processes every entity of tier in every configured year.
func (m *Monitor) ProcessTier(ctx context.Context, tier entity.Tier) TierResult {
	start := m.clock.Now()
	res := TierResult{Tier: tier}
	reg := m.registry()

	var run *runs.Run
	if m.runs != nil {
		r, err := m.runs.Start(runs.KindMonitor, tier.String(), false)
		if err != nil {
			m.logger.Warn("could not record monitor run", "tier", tier, "error", err)
		}
		run = r
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, year := range m.years {
		for _, id := range reg.IDs(year, tier) {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				o, _ := m.ProcessEntity(gctx, year, tier, id)
				mu.Lock()
				res.add(o)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	end := m.clock.Now()
	m.metrics.ObserveTierPass(tier, start, end)
	if run != nil {
		counts := runs.Counts{
			Processed: res.Processed,
			Changed:   res.Changed,
			Failed:    res.Failed,
			Message:   fmt.Sprintf("unchanged %d, skipped %d", res.Unchanged, res.Skipped),
		}
		if err := m.runs.Finish(run, counts, ctx.Err()); err != nil {
			m.logger.Warn("could not finish monitor run", "tier", tier, "error", err)
		}
	}

	m.logger.Info("tier processed",
		"tier", tier,
		"entities", res.Processed,
		"changed", res.Changed,
		"unchanged", res.Unchanged,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"duration", end.Sub(start).String())
	return res
}

// ProcessEntity fetches one entity and writes a snapshot if the payload
// differs from the latest one. Failures skip the entity for this cycle;
// the returned error explains why.
func (m *Monitor) ProcessEntity(ctx context.Context, year string, tier entity.Tier, entityID string) (Outcome, error) {
	logger := m.logger.With("year", year, "tier", tier, "entityID", entityID)

	path, err := entity.Endpoint(tier, year, entityID)
	if err != nil {
		logger.Error("skipping entity with malformed id", "error", err)
		m.metrics.ObserveEntityFailure(tier, "id")
		return OutcomeFailed, err
	}

	doc, err := m.fetcher.Get(ctx, path)
	m.metrics.ObserveFetch(tier, err)
	if err != nil {
		logger.Warn("fetch failed, skipping until next cycle", "path", path, "error", err)
		m.metrics.ObserveEntityFailure(tier, "fetch")
		return OutcomeFailed, err
	}

	layout := m.store.Layout()
	key := layout.Key(layout.EntityDir(year, tier, entityID))

	outcome := OutcomeUnchanged
	err = m.locker.WithLock(ctx, key, func() error {
		prev, err := m.store.Latest(year, tier, entityID)
		switch {
		case errors.Is(err, snapshot.ErrNoLatest):
			logger.Info("first download")
		case err != nil:
			// An unreadable latest snapshot is not overwritten; a new one
			// supersedes it.
			logger.Warn("latest snapshot unreadable, treating payload as changed", "error", err)
		case !snapshot.HasMeaningfulChanges(prev.Data, doc.Data):
			return nil
		}

		saved, err := m.store.Save(year, tier, entityID, doc.Raw, doc.Data, m.clock.Now())
		if errors.Is(err, snapshot.ErrSnapshotExists) {
			logger.Warn("snapshot for this minute already exists, retrying next cycle", "error", err)
			outcome = OutcomeSkipped
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("saved snapshot", "snapshot", layout.Key(saved))
		outcome = OutcomeChanged
		return nil
	})
	if err != nil {
		logger.Error("could not persist snapshot", "error", err)
		m.metrics.ObserveEntityFailure(tier, "write")
		return OutcomeFailed, err
	}
	if outcome != OutcomeSkipped {
		m.metrics.ObserveSnapshot(tier, outcome == OutcomeChanged)
	}
	return outcome, nil
}
