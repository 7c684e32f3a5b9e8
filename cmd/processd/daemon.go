package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/process-engine/actions"
	"github.com/songzhibin97/process-engine/config"
	"github.com/songzhibin97/process-engine/escalation"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/ingress"
	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/registry"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/trigger"
	"github.com/songzhibin97/process-engine/util"
	"github.com/songzhibin97/process-engine/wait"
	"github.com/songzhibin97/process-engine/workflow"
)

const shutdownTimeout = 3 * time.Second

// daemon owns every long-running component of a processd worker.
type daemon struct {
	cfg        config.Config
	logger     *zap.Logger
	bus        *events.EventBus
	waits      *wait.Executor
	engine     *workflow.Engine
	escalator  *escalation.Scheduler
	triggers   *trigger.Dispatcher
	server     *ingress.Server
	metricsSrv *http.Server
	closers    []func() error
}

func newDaemon(ctx context.Context, cfg config.Config, logger *zap.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace, Registry: promReg})

	var (
		store  storage.Storage
		locker workflow.RecordLocker
	)
	switch cfg.Storage {
	case config.StorageRedis:
		client, err := storage.NewRedisClient(storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			Namespace: cfg.Redis.Namespace,
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, client.Close)
		store = storage.NewRedisStorageWithClient(client, cfg.Redis.Namespace)
		locker = storage.NewRedisLocker(client, cfg.Redis.Namespace)
	default:
		store = storage.NewMemoryStorage()
		locker = storage.NewMemoryLocker()
	}

	evaluator := rules.NewExprEvaluator(0)
	records := actions.NewMemoryRecordStore()
	notifier := actions.NewLogNotifier(logger)
	caller := actions.NewHTTPWebhookCaller(cfg.Actions.HTTP, logger)
	dispatcher := actions.NewDispatcher(evaluator,
		actions.WithRecordStore(records),
		actions.WithNotifier(notifier),
		actions.WithWebhookCaller(caller),
		actions.WithConnectorRuntime(actions.NewHTTPConnectorRuntime(caller, cfg.Actions.Connectors)),
		actions.WithRetry(cfg.Actions.MaxRetries, cfg.Actions.RetryDelay),
		actions.WithLogger(logger),
		actions.WithMetrics(rec))
	d.waits = wait.NewExecutor(cfg.Wait, store, evaluator, wait.WithLogger(logger), wait.WithMetrics(rec))

	reg := registry.New()
	for _, ex := range []registry.Executor{dispatcher, d.waits} {
		if err := reg.Register(ex); err != nil {
			return nil, err
		}
	}

	d.bus = events.NewEventBus(events.WithLogger(logger))
	d.bus.SubscribeFunc(events.InstanceFinished, func(ctx context.Context, ev events.Event) error {
		logger.Info("instance finished", zap.Uint64("instance", ev.InstanceID), zap.String("process", ev.ProcessName), zap.Any("data", ev.Data))
		return nil
	})
	d.bus.SubscribeFunc(events.InstanceFailed, func(ctx context.Context, ev events.Event) error {
		logger.Warn("instance failed", zap.Uint64("instance", ev.InstanceID), zap.String("process", ev.ProcessName), zap.Any("data", ev.Data))
		return nil
	})

	dir := workflow.NewMemoryDirectory()
	for role, users := range cfg.Directory.Roles {
		dir.SetRole(role, users...)
	}
	for user, manager := range cfg.Directory.Managers {
		dir.SetManager(user, manager)
	}
	for queue, users := range cfg.Directory.Queues {
		dir.SetQueue(queue, users...)
	}

	defs := workflow.NewDefinitionStore(store, cfg.DefinitionCacheTTL)
	engine, err := workflow.NewEngine(generator.NewSnowflake(time.Now().Add(-1*time.Second), uint16(cfg.NodeID)), store, defs, reg, evaluator,
		workflow.WithLogger(logger),
		workflow.WithMetrics(rec),
		workflow.WithEventBus(d.bus),
		workflow.WithRecordStore(records),
		workflow.WithRecordLocker(locker),
		workflow.WithNotifier(notifier),
		workflow.WithDirectory(dir),
		workflow.WithReconcileGrace(cfg.Scheduler.ReconcileGrace))
	if err != nil {
		return nil, err
	}
	d.engine = engine

	if cfg.Bundle != "" {
		b, err := defs.LoadBundleFile(ctx, cfg.Bundle)
		if err != nil {
			return nil, fmt.Errorf("load bundle: %w", err)
		}
		logger.Info("bundle published", zap.String("path", cfg.Bundle), zap.Int("processes", len(b.Processes)), zap.Int("rules", len(b.Rules)))
	}

	d.escalator = escalation.NewScheduler(store, engine,
		escalation.WithLogger(logger),
		escalation.WithMetrics(rec),
		escalation.WithInterval(cfg.Scheduler.EscalationInterval),
		escalation.WithConcurrency(cfg.Scheduler.EscalationConcurrency))
	d.triggers = trigger.NewDispatcher(defs, engine, dispatcher, evaluator, store,
		trigger.WithLogger(logger),
		trigger.WithMetrics(rec),
		trigger.WithRecordLister(records),
		trigger.WithMaxDepth(cfg.Scheduler.MaxTriggerDepth),
		trigger.WithInterval(cfg.Scheduler.RuleInterval))

	verifier, err := ingress.NewVerifier(cfg.HTTP.Verify)
	if err != nil {
		return nil, err
	}
	d.server = ingress.NewServer(cfg.HTTP.Addr, cfg.Wait.WebhookURLPattern, d.waits, engine,
		ingress.WithLogger(logger),
		ingress.WithVerifier(verifier),
		ingress.WithApprovals(engine),
		ingress.WithRecordEvents(d.triggers))

	if cfg.Metrics.Addr != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
		d.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	}
	return d, nil
}

// run blocks until ctx is done or a component fails, then shuts everything down.
func (d *daemon) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.escalator.Run(ctx) })
	g.Go(func() error { return d.triggers.Run(ctx) })
	g.Go(func() error {
		return util.NewTickWorker("wait-poll", d.cfg.Scheduler.WaitPollInterval, d.pollWaits, d.logger).Run(ctx)
	})
	g.Go(d.server.Start)
	if d.metricsSrv != nil {
		g.Go(func() error {
			d.logger.Info("serving metrics", zap.String("addr", d.metricsSrv.Addr))
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return d.shutdown()
	})
	return g.Wait()
}

func (d *daemon) pollWaits(ctx context.Context, now time.Time) {
	res, err := d.waits.Poll(ctx, now)
	if err != nil && ctx.Err() == nil {
		d.logger.Error("wait poll failed", zap.Error(err))
	}
	if res.Resumed > 0 || res.Expired > 0 {
		d.logger.Info("wait poll", zap.Int("waiting", res.Waiting), zap.Int("resumed", res.Resumed), zap.Int("expired", res.Expired))
	}

	rec, err := d.engine.Reconcile(ctx, now)
	if err != nil && ctx.Err() == nil {
		d.logger.Error("wait reconciliation failed", zap.Error(err))
	}
	if rec.Redelivered > 0 || rec.Attached > 0 || rec.Recreated > 0 || rec.Failed > 0 {
		d.logger.Warn("wait reconciliation",
			zap.Int("checked", rec.Checked),
			zap.Int("redelivered", rec.Redelivered),
			zap.Int("attached", rec.Attached),
			zap.Int("recreated", rec.Recreated),
			zap.Int("failed", rec.Failed))
	}
}

func (d *daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	errs := []error{d.server.Stop(ctx)}
	if d.metricsSrv != nil {
		errs = append(errs, d.metricsSrv.Shutdown(ctx))
	}
	d.bus.Stop()
	for _, c := range d.closers {
		errs = append(errs, c())
	}
	d.logger.Info("processd stopped")
	return errors.Join(errs...)
}
