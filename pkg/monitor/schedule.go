package monitor

import (
	"sync"
	"time"

	"github.com/valgresultat/downloader/pkg/entity"
)

// DefaultIntervals are the polling intervals per tier.
func DefaultIntervals() map[entity.Tier]time.Duration {
	return map[entity.Tier]time.Duration{
		entity.TierNational:     5 * time.Minute,
		entity.TierRegion:       10 * time.Minute,
		entity.TierMunicipality: 15 * time.Minute,
		entity.TierDistrict:     time.Hour,
	}
}

// DefaultCheckInterval is how often the monitor looks for due tiers.
const DefaultCheckInterval = time.Minute

// Schedule tracks when each tier was last processed. A tier is due when it
// was never processed or its interval has elapsed since the last check that
// processed it.
type Schedule struct {
	mu        sync.Mutex
	intervals map[entity.Tier]time.Duration
	lastRun   map[entity.Tier]time.Time
}

// NewSchedule creates a schedule. Tiers missing from intervals use the
// default interval.
func NewSchedule(intervals map[entity.Tier]time.Duration) *Schedule {
	merged := DefaultIntervals()
	for t, d := range intervals {
		if d > 0 {
			merged[t] = d
		}
	}
	return &Schedule{intervals: merged, lastRun: map[entity.Tier]time.Time{}}
}

// Interval returns the polling interval of a tier.
func (s *Schedule) Interval(tier entity.Tier) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervals[tier]
}

// Due reports whether tier should be processed at now.
func (s *Schedule) Due(tier entity.Tier, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[tier]
	if !ok {
		return true
	}
	return now.Sub(last) >= s.intervals[tier]
}

// MarkRun records that tier was processed at the check time at.
func (s *Schedule) MarkRun(tier entity.Tier, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[tier] = at
}

// LastRun returns the last check time tier was processed at.
func (s *Schedule) LastRun(tier entity.Tier) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastRun[tier]
	return t, ok
}

// DueTiers returns the due tiers in processing order.
func (s *Schedule) DueTiers(now time.Time) []entity.Tier {
	var due []entity.Tier
	for _, t := range entity.Tiers {
		if s.Due(t, now) {
			due = append(due, t)
		}
	}
	return due
}
