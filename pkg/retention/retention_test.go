package retention

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/valgresultat/downloader/pkg/entity"
	"github.com/valgresultat/downloader/pkg/runs"
	"github.com/valgresultat/downloader/pkg/snapshot"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "all", want: All()},
		{in: "Latest", want: Latest()},
		{in: "30d", want: WithinDays(30)},
		{in: " 0d ", want: WithinDays(0)},
		{in: "30", wantErr: true},
		{in: "-1d", wantErr: true},
		{in: "forever", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParsePolicy(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Policy {
	t.Helper()
	p, err := ParsePolicy(s)
	require.NoError(t, err)
	return p
}

func TestRetainsCutoffIsInclusive(t *testing.T) {
	now := time.Date(2025, 9, 20, 12, 0, 0, 0, time.UTC)
	p := WithinDays(30)

	assert.True(t, p.Retains(now.Add(-30*24*time.Hour), now))
	assert.False(t, p.Retains(now.Add(-30*24*time.Hour-time.Minute), now))
	assert.True(t, p.Retains(now, now))
	assert.True(t, All().Retains(now.AddDate(-10, 0, 0), now))
	assert.False(t, Latest().Retains(now, now))
}

func TestShouldRetain(t *testing.T) {
	now := time.Date(2025, 9, 20, 12, 0, 0, 0, time.UTC)

	keep, err := ShouldRetain("2025-08-21__1200.json", WithinDays(30), now)
	require.NoError(t, err)
	assert.True(t, keep)

	keep, err = ShouldRetain("2025-08-21__1159.json", WithinDays(30), now)
	require.NoError(t, err)
	assert.False(t, keep)

	keep, err = ShouldRetain("backup-copy.json", Latest(), now)
	assert.Error(t, err)
	assert.True(t, keep, "malformed names are never deleted")
}

func TestWindow(t *testing.T) {
	w, err := ParseWindow("9-10")
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, w)

	at := func(m time.Month) time.Time { return time.Date(2025, m, 15, 0, 0, 0, 0, time.UTC) }
	assert.False(t, w.Active(at(time.August)))
	assert.True(t, w.Active(at(time.September)))
	assert.True(t, w.Active(at(time.October)))
	assert.False(t, w.Active(at(time.March)))

	wrap, err := ParseWindow("11-2")
	require.NoError(t, err)
	assert.True(t, wrap.Active(at(time.December)))
	assert.True(t, wrap.Active(at(time.January)))
	assert.False(t, wrap.Active(at(time.June)))

	single, err := ParseWindow("9")
	require.NoError(t, err)
	assert.Equal(t, Window{From: time.September, To: time.September}, single)

	for _, bad := range []string{"", "0-10", "9-13", "sep-oct"} {
		_, err := ParseWindow(bad)
		assert.Error(t, err, bad)
	}
}

func TestPoliciesFor(t *testing.T) {
	p := DefaultPolicies()
	assert.Equal(t, WithinDays(30), p.For(entity.TierDistrict, true))
	assert.Equal(t, Latest(), p.For(entity.TierRegion, false))
	assert.Equal(t, All(), p.For(entity.TierNational, false))
	assert.Equal(t, All(), Policies{}.For(entity.TierRegion, true))
}

// writeSnapshots creates snapshot files in dir.
func writeSnapshots(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte(`{}`), 0o644))
	}
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	names, err := snapshot.ListSnapshots(dir)
	require.NoError(t, err)
	return names
}

func TestManagerInactiveMonthKeepsOnlyNewestRegionSnapshot(t *testing.T) {
	root := t.TempDir()
	l := snapshot.Layout{Root: root}
	dir := l.EntityDir("2025", entity.TierRegion, "fylke-03-oslo")
	writeSnapshots(t, dir,
		"2025-03-01__1000.json",
		"2025-03-01__1005.json",
		"2025-03-02__0900.json",
		"2025-03-03__0900.json",
		"2025-03-04__0900.json",
	)

	clk := testingclock.NewFakeClock(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	rep, err := NewManager(root, WithClock(clk)).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.Active)
	assert.Equal(t, 4, rep.Deleted)
	assert.Equal(t, []string{"2025-03-04__0900.json"}, listNames(t, dir))
}

func TestManagerNeverDeletesSingleSnapshot(t *testing.T) {
	root := t.TempDir()
	dir := snapshot.Layout{Root: root}.EntityDir("2021", entity.TierMunicipality, "kommune-03-0301-oslo")
	writeSnapshots(t, dir, "2021-09-13__2200.json")

	clk := testingclock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	rep, err := NewManager(root, WithClock(clk)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Deleted)
	assert.Equal(t, []string{"2021-09-13__2200.json"}, listNames(t, dir))
}

func TestManagerActiveWindowKeepsRecentDistricts(t *testing.T) {
	root := t.TempDir()
	l := snapshot.Layout{Root: root}
	dir := l.EntityDir("2025", entity.TierDistrict, "krets-03-0301-0001-sentrum")
	writeSnapshots(t, dir,
		"2025-08-01__1200.json", // older than 30 days
		"2025-08-21__1200.json", // exactly 30 days
		"2025-09-10__1200.json",
		"2025-09-20__1100.json",
	)
	// A kommune entity next to the krets directory must not be confused with it.
	kommune := l.EntityDir("2025", entity.TierMunicipality, "kommune-03-0301-oslo")
	writeSnapshots(t, kommune, "2025-09-01__1200.json", "2025-09-20__1100.json")

	clk := testingclock.NewFakeClock(time.Date(2025, 9, 20, 12, 0, 0, 0, time.UTC))
	rep, err := NewManager(root, WithClock(clk)).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Active)
	assert.Equal(t, 1, rep.Deleted)
	assert.Equal(t, 2, rep.Entities)
	assert.Equal(t, []string{"2025-08-21__1200.json", "2025-09-10__1200.json", "2025-09-20__1100.json"}, listNames(t, dir))
	assert.Len(t, listNames(t, kommune), 2)
}

func TestManagerKeepsMalformedNames(t *testing.T) {
	root := t.TempDir()
	dir := snapshot.Layout{Root: root}.EntityDir("2025", entity.TierRegion, "fylke-03-oslo")
	writeSnapshots(t, dir, "2025-03-01__1000.json", "manual-copy.json", "2025-03-02__1000.json")

	clk := testingclock.NewFakeClock(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	rep, err := NewManager(root, WithClock(clk)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Malformed)
	assert.Equal(t, 1, rep.Deleted)
	assert.Equal(t, []string{"2025-03-02__1000.json", "manual-copy.json"}, listNames(t, dir))
}

func TestManagerKeepsPointerTarget(t *testing.T) {
	root := t.TempDir()
	dir := snapshot.Layout{Root: root}.EntityDir("2025", entity.TierRegion, "fylke-03-oslo")
	writeSnapshots(t, dir, "2025-03-01__1000.json", "2025-03-02__1000.json", "2025-03-03__1000.json")
	require.NoError(t, snapshot.SymlinkRef{}.Repoint(dir, filepath.Join(dir, "2025-03-01__1000.json")))

	clk := testingclock.NewFakeClock(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	_, err := NewManager(root, WithClock(clk)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-03-01__1000.json", "2025-03-03__1000.json"}, listNames(t, dir))
}

func TestManagerToleratesAbsentSubtrees(t *testing.T) {
	root := t.TempDir()
	l := snapshot.Layout{Root: root}
	national := l.EntityDir("2025", entity.TierNational, entity.NationalID)
	writeSnapshots(t, national, "2025-03-01__1000.json", "2025-03-02__1000.json")
	// Non-year entries at the root are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config"), 0o755))

	clk := testingclock.NewFakeClock(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	rep, err := NewManager(root, WithClock(clk)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Years)
	assert.Equal(t, 1, rep.Entities)
	assert.Equal(t, 0, rep.Deleted, "national keeps everything outside elections")
	assert.Equal(t, 0, rep.Failed)

	rep, err = NewManager(filepath.Join(root, "missing")).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Years)
}

func TestManagerDryRun(t *testing.T) {
	root := t.TempDir()
	dir := snapshot.Layout{Root: root}.EntityDir("2025", entity.TierRegion, "fylke-03-oslo")
	writeSnapshots(t, dir, "2025-03-01__1000.json", "2025-03-02__1000.json")

	clk := testingclock.NewFakeClock(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	rep, err := NewManager(root, WithClock(clk), WithDryRun(true)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)
	assert.Len(t, listNames(t, dir), 2)
}

func TestManagerCustomPolicies(t *testing.T) {
	root := t.TempDir()
	dir := snapshot.Layout{Root: root}.EntityDir("2025", entity.TierRegion, "fylke-03-oslo")
	writeSnapshots(t, dir, "2025-03-01__1000.json", "2025-03-02__1000.json")

	policies := DefaultPolicies()
	policies.Inactive[entity.TierRegion] = All()
	clk := testingclock.NewFakeClock(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	rep, err := NewManager(root, WithClock(clk), WithPolicies(policies)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Deleted)
}

func TestManagerRecordsRun(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store := runs.NewStore(db)
	require.NoError(t, store.AutoMigrate())

	root := t.TempDir()
	dir := snapshot.Layout{Root: root}.EntityDir("2025", entity.TierRegion, "fylke-03-oslo")
	writeSnapshots(t, dir, "2025-03-01__1000.json", "2025-03-02__1000.json", "2025-03-03__1000.json")

	clk := testingclock.NewFakeClock(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	_, err = NewManager(root, WithClock(clk), WithRunStore(store)).Run(context.Background())
	require.NoError(t, err)

	list, _, total, err := store.List(runs.ListFilter{Kind: runs.KindRetention}, 10, "")
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, runs.StateSucceeded, list[0].State)
	assert.Equal(t, 2, list[0].Deleted)
	assert.Equal(t, 1, list[0].Processed)
}

type countingSweeper struct {
	calls atomic.Int32
	ran   chan struct{}
}

func (s *countingSweeper) Run(context.Context) (*Report, error) {
	s.calls.Add(1)
	s.ran <- struct{}{}
	return &Report{}, nil
}

func TestWorkerSweepsOnStartAndEveryInterval(t *testing.T) {
	sw := &countingSweeper{ran: make(chan struct{}, 4)}
	w := NewWorker(sw, time.Hour, nil)
	clk := testingclock.NewFakeClock(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	w.clock = clk

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	<-sw.ran
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Hour)
	select {
	case <-sw.ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not sweep after the interval elapsed")
	}

	cancel()
	<-done
	assert.Equal(t, int32(2), sw.calls.Load())
}

func TestNewWorkerDefaultsToDaily(t *testing.T) {
	w := NewWorker(&countingSweeper{}, 0, nil)
	assert.Equal(t, 24*time.Hour, w.interval)
}
