package util

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TickWorker calls fn every interval until its context is cancelled.
type TickWorker struct {
	name         string
	tickInterval time.Duration
	fn           func(ctx context.Context, now time.Time)
	logger       *zap.Logger
	running      atomic.Bool
}

// NewTickWorker creates a named worker.
func NewTickWorker(name string, interval time.Duration, fn func(ctx context.Context, now time.Time), logger *zap.Logger) *TickWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TickWorker{
		name:         name,
		tickInterval: interval,
		fn:           fn,
		logger:       logger,
	}
}

// Run blocks, ticking until ctx is done. It always returns nil so it can be
// used directly with errgroup.
func (tw *TickWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(tw.tickInterval)
	defer ticker.Stop()
	tw.running.Store(true)
	defer tw.running.Store(false)
	tw.logger.Info("tick worker started", zap.String("worker", tw.name), zap.Duration("interval", tw.tickInterval))

	for {
		select {
		case now := <-ticker.C:
			tw.fn(ctx, now)
		case <-ctx.Done():
			tw.logger.Info("stopping tick worker", zap.String("worker", tw.name))
			return nil
		}
	}
}

func (tw *TickWorker) IsRunning() bool {
	return tw.running.Load()
}
