package janitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// WorkerConfig defines tunables for the periodic sweep.
type WorkerConfig struct {
	Interval time.Duration
}

// Worker runs a Sweeper on a fixed interval.
type Worker struct {
	sweeper *Sweeper
	logger  *zap.Logger
	cfg     WorkerConfig
}

func NewWorker(sweeper *Sweeper, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{sweeper: sweeper, logger: logger.Named("janitor.worker"), cfg: cfg}
}

// Run sweeps until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.sweeper == nil {
		return errors.New("janitor worker requires a sweeper")
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		report, err := w.sweeper.Sweep(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			w.logger.Error("lock sweep failed", zap.Error(err))
		case report.ReleasedBound > 0 || report.ClearedPending > 0:
			w.logger.Info("lock sweep repaired locks",
				zap.Int("scanned", report.Scanned),
				zap.Int("released_bound", report.ReleasedBound),
				zap.Int("cleared_pending", report.ClearedPending))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
