// Package retention prunes historical snapshots. What survives depends on the
// entity tier and on whether the current month lies in the election period.
// The newest snapshot of an entity is never deleted.
package retention

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valgresultat/downloader/pkg/entity"
	"github.com/valgresultat/downloader/pkg/snapshot"
)

// Kind selects a retention rule.
type Kind int

const (
	// KeepAll never deletes.
	KeepAll Kind = iota
	// KeepWithinDays keeps snapshots at most Days old.
	KeepWithinDays
	// KeepLatest keeps only the newest snapshot.
	KeepLatest
)

// Policy is a retention rule for one tier.
type Policy struct {
	Kind Kind
	Days int
}

// All returns a keep-all policy.
func All() Policy { return Policy{Kind: KeepAll} }

// Latest returns a keep-latest policy.
func Latest() Policy { return Policy{Kind: KeepLatest} }

// WithinDays returns a keep-within-N-days policy.
func WithinDays(n int) Policy { return Policy{Kind: KeepWithinDays, Days: n} }

// ParsePolicy parses "all", "latest" or "<N>d".
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "all":
		return All(), nil
	case "latest":
		return Latest(), nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n >= 0 {
			return WithinDays(n), nil
		}
	}
	return Policy{}, fmt.Errorf("invalid retention policy %q (expected all, latest or <N>d)", s)
}

func (p Policy) String() string {
	switch p.Kind {
	case KeepAll:
		return "all"
	case KeepLatest:
		return "latest"
	}
	return strconv.Itoa(p.Days) + "d"
}

// Retains reports whether a snapshot taken at ts survives at now. The cutoff
// is inclusive: a snapshot exactly Days old is kept.
func (p Policy) Retains(ts, now time.Time) bool {
	switch p.Kind {
	case KeepAll:
		return true
	case KeepLatest:
		return false
	}
	cutoff := now.Add(-time.Duration(p.Days) * 24 * time.Hour)
	return !ts.Before(cutoff)
}

// ShouldRetain decides the fate of a non-newest snapshot file. Names without
// a parseable timestamp are kept and reported through err so they can be
// reviewed by hand.
func ShouldRetain(name string, p Policy, now time.Time) (bool, error) {
	ts, err := snapshot.ParseTimestamp(name)
	if err != nil {
		return true, fmt.Errorf("unparseable snapshot name %q: %w", name, err)
	}
	return p.Retains(ts, now), nil
}

// Window is the election period as an inclusive month range. A range whose
// start is after its end wraps around the new year.
type Window struct {
	From time.Month
	To   time.Month
}

// DefaultWindow is September through October.
var DefaultWindow = Window{From: time.September, To: time.October}

// ParseWindow parses "9-10" or a single month "9".
func ParseWindow(s string) (Window, error) {
	from, to, found := strings.Cut(strings.TrimSpace(s), "-")
	if !found {
		to = from
	}
	f, err1 := strconv.Atoi(strings.TrimSpace(from))
	t, err2 := strconv.Atoi(strings.TrimSpace(to))
	if err1 != nil || err2 != nil || f < 1 || f > 12 || t < 1 || t > 12 {
		return Window{}, fmt.Errorf("invalid election months %q (expected M-M with months 1-12)", s)
	}
	return Window{From: time.Month(f), To: time.Month(t)}, nil
}

// Active reports whether t falls in the window.
func (w Window) Active(t time.Time) bool {
	m := t.Month()
	if w.From <= w.To {
		return m >= w.From && m <= w.To
	}
	return m >= w.From || m <= w.To
}

func (w Window) String() string {
	return fmt.Sprintf("%d-%d", w.From, w.To)
}

// Policies maps tiers to policies for both periods.
type Policies struct {
	Active   map[entity.Tier]Policy
	Inactive map[entity.Tier]Policy
}

// DefaultPolicies returns the reference policies: during an election every
// tier keeps a window of history, outside it only the national tier keeps
// everything.
func DefaultPolicies() Policies {
	return Policies{
		Active: map[entity.Tier]Policy{
			entity.TierNational:     WithinDays(365),
			entity.TierRegion:       WithinDays(180),
			entity.TierMunicipality: WithinDays(90),
			entity.TierDistrict:     WithinDays(30),
		},
		Inactive: map[entity.Tier]Policy{
			entity.TierNational:     All(),
			entity.TierRegion:       Latest(),
			entity.TierMunicipality: Latest(),
			entity.TierDistrict:     Latest(),
		},
	}
}

// For returns the policy of a tier. Tiers without a policy keep everything.
func (p Policies) For(tier entity.Tier, active bool) Policy {
	m := p.Inactive
	if active {
		m = p.Active
	}
	if pol, ok := m[tier]; ok {
		return pol
	}
	return All()
}
