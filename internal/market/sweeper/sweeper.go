// Package sweeper periodically expires stale bids and listings.
package sweeper

import (
	"context"
	"time"

	"github.com/agrimarket/agrimarket/internal/market/engine"
	"go.uber.org/zap"
)

// Config holds sweeper configuration.
type Config struct {
	Interval time.Duration
}

// Expirer expires everything stale at now.
// *service.MarketplaceCore satisfies this interface.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) ([]engine.Transition, error)
}

// MetricsRecordFunc is an optional callback for recording sweep results.
// It receives the transitions made even when err is non-nil.
type MetricsRecordFunc func(transitions []engine.Transition, err error)

// Sweeper runs ExpireStale on a fixed interval.
type Sweeper struct {
	expirer   Expirer
	cfg       Config
	now       func() time.Time
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Sweeper.
func New(expirer Expirer, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{
		expirer: expirer,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (s *Sweeper) SetMetricsRecord(fn MetricsRecordFunc) {
	s.onMetrics = fn
}

// SetClock replaces the time source passed to ExpireStale.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Run sweeps once per interval until ctx is done. It always returns nil so
// it can share an errgroup with the HTTP server.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
			s.RunOnce(sctx)
			cancel()
		case <-ctx.Done():
			return nil
		}
	}
}

// RunOnce performs a single sweep and returns the transitions it made.
func (s *Sweeper) RunOnce(ctx context.Context) []engine.Transition {
	ts, err := s.expirer.ExpireStale(ctx, s.now())
	if s.onMetrics != nil {
		s.onMetrics(ts, err)
	}
	if err != nil {
		s.logger.Warn("sweeper: expire stale", zap.Int("transitions", len(ts)), zap.Error(err))
		return ts
	}
	if len(ts) > 0 {
		s.logger.Info("sweeper: expired stale entities", zap.Int("transitions", len(ts)))
	}
	return ts
}
