package retention

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// Sweeper runs one retention sweep.
type Sweeper interface {
	Run(ctx context.Context) (*Report, error)
}

// Worker runs a Sweeper periodically.
type Worker struct {
	sweeper  Sweeper
	interval time.Duration
	clock    clock.WithTicker
	logger   *slog.Logger
}

// NewWorker creates a Worker. The interval defaults to daily.
func NewWorker(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Worker{
		sweeper:  sweeper,
		interval: interval,
		clock:    clock.RealClock{},
		logger:   logger,
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("retention worker started", "interval", w.interval.String())

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopped")
			return
		case <-ticker.C():
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if _, err := w.sweeper.Run(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("retention sweep failed", "error", err)
	}
}
