package runs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Store provides database operations for runs.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AutoMigrate creates or updates the runs table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Run{})
}

// ListFilter defines filters for listing runs.
type ListFilter struct {
	Kind  Kind
	Tier  string
	State State
}

// Start records a new running run.
func (s *Store) Start(kind Kind, tier string, dryRun bool) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Tier:      tier,
		State:     StateRunning,
		DryRun:    dryRun,
		StartedAt: s.now(),
	}
	if err := s.db.Create(run).Error; err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// Finish marks a run as terminal. A non-nil runErr fails the run; failed
// entities without a run error make it partial.
func (s *Store) Finish(run *Run, c Counts, runErr error) error {
	now := s.now()
	state := StateSucceeded
	switch {
	case runErr != nil:
		state = StateFailed
	case c.Failed > 0:
		state = StatePartial
	}

	updates := map[string]any{
		"state":       state,
		"finished_at": now,
		"duration_ms": now.Sub(run.StartedAt).Milliseconds(),
		"processed":   c.Processed,
		"changed":     c.Changed,
		"failed":      c.Failed,
		"deleted":     c.Deleted,
		"message":     c.Message,
	}
	if runErr != nil {
		updates["last_error"] = runErr.Error()
	}

	result := s.db.Model(&Run{}).Where("id = ?", run.ID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("finish run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, run.ID)
	}

	run.State = state
	run.FinishedAt = &now
	run.DurationMs = updates["duration_ms"].(int64)
	run.Processed, run.Changed, run.Failed, run.Deleted = c.Processed, c.Changed, c.Failed, c.Deleted
	run.Message = c.Message
	if runErr != nil {
		run.LastError = runErr.Error()
	}
	return nil
}

// Get retrieves a run by ID.
func (s *Store) Get(id string) (*Run, error) {
	var run Run
	if err := s.db.First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// List returns runs matching filter, newest first. The page token is the
// start time of the last returned run.
func (s *Store) List(filter ListFilter, pageSize int, pageToken string) ([]Run, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&Run{})
		if filter.Kind != "" {
			q = q.Where("kind = ?", filter.Kind)
		}
		if filter.Tier != "" {
			q = q.Where("tier = ?", filter.Tier)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		return q
	}

	var totalSize int64
	if err := buildQuery(s.db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count runs: %w", err)
	}

	query := buildQuery(s.db).Order("started_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("started_at < ?", t)
	}

	var records []Run
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list runs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].StartedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}
	return records, nextToken, int(totalSize), nil
}

// AbandonRunning fails runs left in the running state by a process that
// exited mid-run. It is called at startup.
func (s *Store) AbandonRunning() (int64, error) {
	result := s.db.Model(&Run{}).
		Where("state = ?", StateRunning).
		Updates(map[string]any{
			"state":       StateFailed,
			"finished_at": s.now(),
			"last_error":  "abandoned: process exited before the run finished",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("abandon running runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes finished runs that started before cutoff.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("state <> ? AND started_at < ?", StateRunning, cutoff).Delete(&Run{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
