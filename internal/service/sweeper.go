package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/metrics"
)

// ExpirySweeper periodically persists the expired state. Nothing depends on
// it for correctness; EvaluateState already treats elapsed benefits as expired.
type ExpirySweeper struct {
	catalog  *CatalogService
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewExpirySweeper(catalog *CatalogService, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpirySweeper{catalog: catalog, interval: interval, metrics: m, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *ExpirySweeper) Sweep(ctx context.Context) int {
	n, err := s.catalog.ExpireDue(ctx)
	s.metrics.ObserveExpired(n)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("expiry sweep failed", zap.Int("expired", n), zap.Error(err))
		return n
	}
	if n > 0 {
		s.logger.Info("expired benefits persisted", zap.Int("count", n))
	}
	return n
}
