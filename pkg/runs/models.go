// Package runs records every discovery pass, monitor tier pass and retention
// sweep in a database table so operators can see what the service did.
package runs

import (
	"time"
)

// Kind identifies the component that performed a run.
type Kind string

const (
	KindDiscovery Kind = "discovery"
	KindMonitor   Kind = "monitor"
	KindRetention Kind = "retention"
)

// State is the lifecycle state of a run.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	// StatePartial means the run finished but skipped some entities.
	StatePartial State = "partial"
	StateFailed  State = "failed"
)

// Run is the GORM model for one recorded run.
type Run struct {
	ID         string     `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Kind       Kind       `gorm:"column:kind;index:idx_run_kind_started,priority:1;not null" json:"kind"`
	Tier       string     `gorm:"column:tier" json:"tier,omitempty"`
	State      State      `gorm:"column:state;index;not null;default:running" json:"state"`
	DryRun     bool       `gorm:"column:dry_run" json:"dryRun,omitempty"`
	StartedAt  time.Time  `gorm:"column:started_at;index:idx_run_kind_started,priority:2;not null" json:"startedAt"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finishedAt,omitempty"`
	DurationMs int64      `gorm:"column:duration_ms" json:"durationMs"`
	Processed  int        `gorm:"column:processed" json:"processed"`
	Changed    int        `gorm:"column:changed" json:"changed"`
	Failed     int        `gorm:"column:failed" json:"failed"`
	Deleted    int        `gorm:"column:deleted" json:"deleted"`
	Message    string     `gorm:"column:message" json:"message,omitempty"`
	LastError  string     `gorm:"column:last_error" json:"lastError,omitempty"`
}

// TableName returns the GORM table name.
func (Run) TableName() string { return "runs" }

// IsTerminal returns true if the run has finished.
func (r *Run) IsTerminal() bool {
	return r.State != StateRunning
}

// Counts are the totals reported when a run finishes.
type Counts struct {
	// Processed is the number of entities (or registry IDs) handled.
	Processed int
	// Changed is the number of snapshots written or IDs discovered.
	Changed int
	// Failed is the number of entities skipped because of an error.
	Failed int
	// Deleted is the number of snapshot files removed.
	Deleted int
	Message string
}
