package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearth/backend/internal/metrics"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = 24 * time.Hour

// Sweeper periodically deletes expired and invalidated sessions.
type Sweeper struct {
	store    SessionStore
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewSweeper constructs a Sweeper. A non-positive interval selects the default.
func NewSweeper(store SessionStore, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	if store == nil {
		panic("auth: session store must not be nil")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger, metrics: m, now: time.Now}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Sweep failures are logged and never stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single sweep and returns the number of removed sessions.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	removed, err := s.store.SweepExpired(ctx, s.now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("session sweep failed", "error", err)
		}
		return 0
	}
	s.metrics.Swept(removed)
	if removed > 0 {
		s.logger.Info("swept sessions", "removed", removed)
	}
	return removed
}
