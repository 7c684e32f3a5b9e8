package escalation

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/util"
)

// Escalator applies the escalation of one instance if it is due. It must be
// idempotent per step window; workflow.Engine implements it.
type Escalator interface {
	Escalate(ctx context.Context, id uint64, now time.Time) (bool, error)
}

// InstanceLister lists instances by status; storage.Storage implements it.
type InstanceLister interface {
	ListInstances(ctx context.Context, status types.InstanceStatus) ([]types.ProcessInstance, error)
}

// PassResult counts what one pass did.
type PassResult struct {
	Scanned   int
	Escalated int
	Failed    int
}

// Scheduler is a level-triggered watchdog over pending instances. Each pass
// re-evaluates every pending instance, so a missed tick only delays work.
type Scheduler struct {
	lister      InstanceLister
	escalator   Escalator
	interval    time.Duration
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Recorder
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithInterval sets the pass interval of Run. Default one minute.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithConcurrency bounds how many instances a pass escalates at once. Default 4.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.concurrency = n }
}

// NewScheduler creates a Scheduler.
func NewScheduler(lister InstanceLister, escalator Escalator, opts ...Option) *Scheduler {
	s := &Scheduler{
		lister:      lister,
		escalator:   escalator,
		interval:    time.Minute,
		concurrency: 4,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// Pass escalates every pending instance that is due at now. Failures of
// single instances are logged and counted; they do not stop the pass.
func (s *Scheduler) Pass(ctx context.Context, now time.Time) (PassResult, error) {
	pending, err := s.lister.ListInstances(ctx, types.StatusPending)
	if err != nil {
		return PassResult{}, err
	}
	s.metrics.Pass("escalation")

	var escalated, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, inst := range pending {
		id := inst.ID
		g.Go(func() error {
			acted, err := s.escalator.Escalate(gctx, id, now)
			if err != nil {
				failed.Add(1)
				s.logger.Warn("escalation failed", zap.Uint64("instance", id), zap.Error(err))
				return nil
			}
			if acted {
				escalated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := PassResult{Scanned: len(pending), Escalated: int(escalated.Load()), Failed: int(failed.Load())}
	if res.Escalated > 0 || res.Failed > 0 {
		s.logger.Info("escalation pass",
			zap.Int("scanned", res.Scanned),
			zap.Int("escalated", res.Escalated),
			zap.Int("failed", res.Failed))
	}
	return res, ctx.Err()
}

// Run drives passes every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	return util.NewTickWorker("escalation", s.interval, func(ctx context.Context, now time.Time) {
		if _, err := s.Pass(ctx, now); err != nil && ctx.Err() == nil {
			s.logger.Error("escalation pass failed", zap.Error(err))
		}
	}, s.logger).Run(ctx)
}
