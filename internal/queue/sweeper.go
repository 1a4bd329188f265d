package queue

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultRetention     = 14 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// SweeperConfig holds configuration for the retention sweeper.
type SweeperConfig struct {
	Store Store
	// Retention is how long terminal jobs are kept (default 14d).
	Retention time.Duration
	// Interval is the sweep cadence (default 1h).
	Interval time.Duration
	Logger   *slog.Logger
}

// Sweeper periodically removes terminal jobs past the retention
// window. Pending and processing jobs are never touched.
type Sweeper struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewSweeper creates a retention sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		store:     cfg.Store,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		logger:    cfg.Logger.With("component", "sweeper"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled. It
// blocks.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Sweep runs one pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	threshold := time.Now().UTC().Add(-s.retention)
	return s.store.CleanupOlderThan(ctx, threshold)
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
		return
	}
	if removed > 0 {
		s.logger.Info("retention sweep removed jobs", "removed", removed)
	}
}
