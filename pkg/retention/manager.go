package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/valgresultat/downloader/pkg/entity"
	"github.com/valgresultat/downloader/pkg/lock"
	"github.com/valgresultat/downloader/pkg/metrics"
	"github.com/valgresultat/downloader/pkg/runs"
	"github.com/valgresultat/downloader/pkg/snapshot"
)

// Report summarizes a sweep.
type Report struct {
	Active    bool `json:"electionActive" yaml:"electionActive"`
	Years     int  `json:"years" yaml:"years"`
	Entities  int  `json:"entities" yaml:"entities"`
	Deleted   int  `json:"deleted" yaml:"deleted"`
	Kept      int  `json:"kept" yaml:"kept"`
	Malformed int  `json:"malformed" yaml:"malformed"`
	// Failed counts entities that could not be cleaned (lock or I/O errors).
	Failed int `json:"failed" yaml:"failed"`
}

func (r *Report) add(e EntityResult) {
	r.Entities++
	r.Deleted += e.Deleted
	r.Kept += e.Kept
	r.Malformed += e.Malformed
}

// EntityResult is the outcome of cleaning one entity directory.
type EntityResult struct {
	Deleted   int
	Kept      int
	Malformed int
}

// Manager sweeps a snapshot store.
type Manager struct {
	layout   snapshot.Layout
	policies Policies
	window   Window
	clock    clock.PassiveClock
	locker   lock.Locker
	metrics  *metrics.Metrics
	runs     *runs.Store
	dryRun   bool
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicies replaces the default policies.
func WithPolicies(p Policies) Option { return func(m *Manager) { m.policies = p } }

// WithWindow sets the election period.
func WithWindow(w Window) Option { return func(m *Manager) { m.window = w } }

// WithClock sets the clock that decides "now".
func WithClock(c clock.PassiveClock) Option { return func(m *Manager) { m.clock = c } }

// WithLocker sets the lock shared with the snapshot monitor.
func WithLocker(l lock.Locker) Option { return func(m *Manager) { m.locker = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithRunStore records every sweep in the run ledger.
func WithRunStore(s *runs.Store) Option { return func(m *Manager) { m.runs = s } }

// WithDryRun reports what would be deleted without deleting.
func WithDryRun(dry bool) Option { return func(m *Manager) { m.dryRun = dry } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager for the store rooted at root.
func NewManager(root string, opts ...Option) *Manager {
	m := &Manager{
		layout:   snapshot.Layout{Root: root},
		policies: DefaultPolicies(),
		window:   DefaultWindow,
		clock:    clock.RealClock{},
		locker:   lock.NewLocal(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run performs one sweep over every year directory. The policy set is
// chosen once from the clock at the start of the sweep.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	now := m.clock.Now()
	active := m.window.Active(now)
	rep := &Report{Active: active}

	var run *runs.Run
	if m.runs != nil {
		r, err := m.runs.Start(runs.KindRetention, "", m.dryRun)
		if err != nil {
			m.logger.Warn("could not record retention run", "error", err)
		}
		run = r
	}

	m.logger.Info("retention sweep started",
		"root", m.layout.Root,
		"electionActive", active,
		"window", m.window.String(),
		"dryRun", m.dryRun)

	years, err := m.years()
	if err == nil {
		for _, year := range years {
			if err = ctx.Err(); err != nil {
				break
			}
			m.CleanupYear(ctx, year, now, active, rep)
			rep.Years++
		}
	}

	if run != nil {
		counts := runs.Counts{
			Processed: rep.Entities,
			Deleted:   rep.Deleted,
			Failed:    rep.Failed,
			Message:   fmt.Sprintf("kept %d, malformed %d, electionActive %t", rep.Kept, rep.Malformed, active),
		}
		if ferr := m.runs.Finish(run, counts, err); ferr != nil {
			m.logger.Warn("could not finish retention run", "error", ferr)
		}
	}
	if err != nil {
		return rep, err
	}

	m.logger.Info("retention sweep finished",
		"years", rep.Years,
		"entities", rep.Entities,
		"deleted", rep.Deleted,
		"kept", rep.Kept,
		"malformed", rep.Malformed,
		"failed", rep.Failed)
	return rep, nil
}

// years lists numeric directories under the root in ascending order.
func (m *Manager) years() ([]string, error) {
	entries, err := os.ReadDir(m.layout.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data root: %w", err)
	}
	var years []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		years = append(years, e.Name())
	}
	sort.Strings(years)
	return years, nil
}

// CleanupYear sweeps national, region, municipality and district entity
// directories of a year in that order. Missing tier directories are skipped.
func (m *Manager) CleanupYear(ctx context.Context, year string, now time.Time, active bool, rep *Report) {
	for _, tier := range entity.Tiers {
		dirs, err := m.entityDirs(year, tier)
		if err != nil {
			m.logger.Error("cannot list entity directories", "year", year, "tier", tier, "error", err)
			rep.Failed++
			continue
		}
		for _, dir := range dirs {
			if ctx.Err() != nil {
				return
			}
			res, err := m.CleanupEntity(ctx, tier, dir, now, active)
			if err != nil {
				m.logger.Error("entity cleanup failed", "entity", m.layout.Key(dir), "error", err)
				rep.Failed++
			}
			rep.add(res)
		}
	}
}

func (m *Manager) entityDirs(year string, tier entity.Tier) ([]string, error) {
	if tier == entity.TierNational {
		dir := m.layout.EntityDir(year, tier, entity.NationalID)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return nil, nil
		}
		return []string{dir}, nil
	}

	parent := m.layout.TierDir(year, tier)
	entries, err := os.ReadDir(parent)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	prefix := string(tier) + "-"
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			dirs = append(dirs, filepath.Join(parent, e.Name()))
		}
	}
	return dirs, nil
}

// CleanupEntity applies the tier policy to one entity directory while
// holding the entity lock. The newest snapshot with a valid timestamp and
// the snapshot the latest pointer resolves to are never deleted.
func (m *Manager) CleanupEntity(ctx context.Context, tier entity.Tier, entityDir string, now time.Time, active bool) (EntityResult, error) {
	var res EntityResult
	policy := m.policies.For(tier, active)
	key := m.layout.Key(entityDir)

	err := m.locker.WithLock(ctx, key, func() error {
		names, err := snapshot.ListSnapshots(entityDir)
		if err != nil {
			return err
		}
		exempt := m.exempt(entityDir, names)

		var errs []error
		for _, name := range names {
			if exempt[name] {
				res.Kept++
				continue
			}
			keep, perr := ShouldRetain(name, policy, now)
			if perr != nil {
				m.logger.Warn("keeping snapshot for manual review", "entity", key, "file", name, "error", perr)
				res.Malformed++
				res.Kept++
				continue
			}
			if keep {
				res.Kept++
				continue
			}
			if m.dryRun {
				m.logger.Info("would delete snapshot", "entity", key, "file", name, "policy", policy.String())
				res.Deleted++
				continue
			}
			if err := os.Remove(filepath.Join(entityDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
				res.Kept++
				continue
			}
			m.logger.Debug("deleted snapshot", "entity", key, "file", name, "policy", policy.String())
			res.Deleted++
		}
		return errors.Join(errs...)
	})

	m.metrics.ObserveRetention(tier, res.Deleted, res.Malformed)
	return res, err
}

// exempt returns the names that must survive regardless of policy.
func (m *Manager) exempt(entityDir string, names []string) map[string]bool {
	out := map[string]bool{}
	for i := len(names) - 1; i >= 0; i-- {
		if _, err := snapshot.ParseTimestamp(names[i]); err == nil {
			out[names[i]] = true
			break
		}
	}
	if target, err := (snapshot.SymlinkRef{}).Target(entityDir); err == nil && filepath.Dir(target) == filepath.Clean(entityDir) {
		out[filepath.Base(target)] = true
	}
	return out
}
