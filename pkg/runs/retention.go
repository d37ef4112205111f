package runs

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// RetentionWorker periodically deletes finished runs from the ledger.
type RetentionWorker struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	clock     clock.WithTicker
	logger    *slog.Logger
}

// NewRetentionWorker creates a RetentionWorker keeping retentionDays of
// runs. It prunes once at start and then daily.
func NewRetentionWorker(store *Store, retentionDays int, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		clock:     clock.RealClock{},
		logger:    logger,
	}
}

// Run prunes until ctx is cancelled. A nil store or a non-positive
// retention disables the worker.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.store == nil || w.retention <= 0 {
		w.logger.Info("run retention worker disabled",
			"hasStore", w.store != nil,
			"retentionDays", int(w.retention.Hours()/24))
		return
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("run retention worker started",
		"retentionDays", int(w.retention.Hours()/24),
		"interval", w.interval.String())

	w.cleanup()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("run retention worker stopped")
			return
		case <-ticker.C():
			w.cleanup()
		}
	}
}

func (w *RetentionWorker) cleanup() {
	cutoff := w.clock.Now().Add(-w.retention)
	deleted, err := w.store.DeleteOlderThan(cutoff)
	if err != nil {
		w.logger.Error("run retention cleanup failed", "error", err)
	} else if deleted > 0 {
		w.logger.Info("run retention cleanup completed",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
