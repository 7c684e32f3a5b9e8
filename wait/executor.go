package wait

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// Sink receives the single terminal outcome of each checkpoint. It is
// implemented by whatever owns the paused execution.
type Sink interface {
	OnResumed(ctx context.Context, cp types.WaitCheckpoint, payload types.WaitResumePayload) error
	OnTimeout(ctx context.Context, cp types.WaitCheckpoint) error
	OnCancelled(ctx context.Context, cp types.WaitCheckpoint) error
	// ConditionEnv returns the evaluation environment for a condition wait.
	ConditionEnv(ctx context.Context, cp types.WaitCheckpoint) (map[string]interface{}, error)
}

// PollResult counts what one Poll pass did.
type PollResult struct {
	Waiting int
	Resumed int
	Expired int
	Polled  int
}

// Executor is the wait node executor. Checkpoints are inert records: nothing
// runs for a paused execution until Resume, Cancel or a Poll pass touches it.
type Executor struct {
	cfg       types.WaitExecutorConfig
	store     storage.Storage
	evaluator rules.Evaluator
	sink      Sink
	logger    *zap.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor. Zero config fields take their defaults.
func NewExecutor(cfg types.WaitExecutorConfig, store storage.Storage, evaluator rules.Evaluator, opts ...Option) *Executor {
	e := &Executor{
		cfg:       cfg.WithDefaults(),
		store:     store,
		evaluator: evaluator,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetSink binds the outcome receiver. It must be called before use.
func (e *Executor) SetSink(s Sink) {
	e.sink = s
}

// Config returns the effective configuration.
func (e *Executor) Config() types.WaitExecutorConfig {
	return e.cfg
}

// Descriptor implements registry.Executor.
func (e *Executor) Descriptor() types.NodeExecutorDescriptor {
	return types.NodeExecutorDescriptor{
		ID:                   "wait",
		NodeTypes:            []types.NodeType{types.NodeWait},
		Version:              "1.0.0",
		SupportsPause:        true,
		SupportsCancellation: true,
	}
}

func validateConfig(wc types.WaitConfig) error {
	if !wc.EventType.Valid() {
		return types.NewValidationError("eventType", "unknown wait event type %q", wc.EventType)
	}
	if wc.TimeoutBehavior != "" && !wc.TimeoutBehavior.Valid() {
		return types.NewValidationError("timeoutBehavior", "unknown timeout behavior %q", wc.TimeoutBehavior)
	}
	if wc.TimeoutMs < 0 {
		return types.NewValidationError("timeoutMs", "must not be negative")
	}
	switch wc.EventType {
	case types.WaitTimer:
		if wc.DurationMs <= 0 {
			return types.NewValidationError("durationMs", "timer wait needs a positive duration")
		}
	case types.WaitCondition:
		if strings.TrimSpace(wc.Condition) == "" {
			return types.NewValidationError("condition", "condition wait needs a condition")
		}
	}
	return nil
}

// ValidateConfig checks a wait node configuration without creating anything.
func ValidateConfig(wc types.WaitConfig) error {
	return validateConfig(wc)
}

// CreateCheckpoint persists a waiting checkpoint for executionID at nodeID.
func (e *Executor) CreateCheckpoint(ctx context.Context, executionID, nodeID string, wc types.WaitConfig) (types.WaitCheckpoint, error) {
	if executionID == "" || nodeID == "" {
		return types.WaitCheckpoint{}, types.NewValidationError("executionId", "executionId and nodeId are required")
	}
	if err := validateConfig(wc); err != nil {
		return types.WaitCheckpoint{}, err
	}

	now := e.now()
	timeout := e.cfg.DefaultTimeout
	if wc.TimeoutMs > 0 {
		timeout = time.Duration(wc.TimeoutMs) * time.Millisecond
	}
	behavior := wc.TimeoutBehavior
	if behavior == "" {
		behavior = e.cfg.DefaultTimeoutBehavior
	}

	cp := types.WaitCheckpoint{
		ID:              uuid.NewString(),
		ExecutionID:     executionID,
		NodeID:          nodeID,
		EventType:       wc.EventType,
		Status:          types.CheckpointWaiting,
		CreatedAt:       now,
		TimeoutAt:       now.Add(timeout),
		TimeoutBehavior: behavior,
		SignalName:      wc.SignalName,
		Condition:       wc.Condition,
		FallbackNodeID:  wc.FallbackNodeID,
	}
	switch wc.EventType {
	case types.WaitTimer:
		at := now.Add(time.Duration(wc.DurationMs) * time.Millisecond)
		cp.ResumeAt = &at
	case types.WaitCondition:
		at := now.Add(e.cfg.ConditionPollInterval)
		cp.NextPollAt = &at
	}

	if err := e.store.CreateCheckpoint(ctx, cp, e.cfg.MaxPausedExecutions); err != nil {
		return types.WaitCheckpoint{}, err
	}
	e.logger.Debug("checkpoint created",
		zap.String("checkpoint", cp.ID),
		zap.String("execution", executionID),
		zap.String("node", nodeID),
		zap.String("eventType", string(cp.EventType)),
		zap.Time("timeoutAt", cp.TimeoutAt))
	return cp, nil
}

// Resume consumes the checkpoint named by payload. The first valid call
// wins; later calls get ErrAlreadyResumed (or the status that won instead).
// Without a checkpoint id the execution's outstanding checkpoint is used.
func (e *Executor) Resume(ctx context.Context, payload types.WaitResumePayload) (types.WaitCheckpoint, error) {
	var (
		cp  types.WaitCheckpoint
		err error
	)
	if payload.CheckpointID != "" {
		cp, err = e.store.GetCheckpoint(ctx, payload.CheckpointID)
	} else {
		cp, err = e.store.FindWaitingCheckpoint(ctx, payload.ExecutionID)
	}
	if err != nil {
		return types.WaitCheckpoint{}, err
	}

	if payload.ExecutionID != cp.ExecutionID {
		return types.WaitCheckpoint{}, types.NewValidationError("executionId", "checkpoint %s belongs to execution %s", cp.ID, cp.ExecutionID)
	}
	if payload.NodeID != cp.NodeID {
		return types.WaitCheckpoint{}, types.NewValidationError("nodeId", "checkpoint %s waits at node %s", cp.ID, cp.NodeID)
	}
	if payload.EventType == "" {
		payload.EventType = cp.EventType
	}
	if payload.EventType != cp.EventType {
		return types.WaitCheckpoint{}, types.NewValidationError("eventType", "checkpoint %s waits for %s, got %s", cp.ID, cp.EventType, payload.EventType)
	}
	if cp.EventType == types.WaitSignal && cp.SignalName != "" && payload.SignalName != cp.SignalName {
		return types.WaitCheckpoint{}, types.NewValidationError("signalName", "checkpoint %s waits for signal %q", cp.ID, cp.SignalName)
	}
	return e.resume(ctx, cp, payload)
}

func (e *Executor) resume(ctx context.Context, cp types.WaitCheckpoint, payload types.WaitResumePayload) (types.WaitCheckpoint, error) {
	if e.sink == nil {
		return types.WaitCheckpoint{}, errors.New("wait executor has no sink")
	}
	now := e.now()
	payload.CheckpointID = cp.ID
	payload.ExecutionID = cp.ExecutionID
	payload.NodeID = cp.NodeID
	if payload.ResumedAt.IsZero() {
		payload.ResumedAt = now
	}
	resolved, err := e.store.TransitionCheckpoint(ctx, cp.ID, types.CheckpointResumed, now, &payload)
	if err != nil {
		if isRace(err) {
			e.logger.Debug("checkpoint resume lost race", zap.String("checkpoint", cp.ID), zap.Error(err))
		}
		return resolved, err
	}
	e.metrics.CheckpointOutcome(string(types.CheckpointResumed))
	if err := e.sink.OnResumed(ctx, resolved, payload); err != nil {
		return resolved, fmt.Errorf("checkpoint %s resumed but delivery failed: %w", resolved.ID, err)
	}
	return resolved, nil
}

func (e *Executor) expire(ctx context.Context, cp types.WaitCheckpoint, now time.Time) (bool, error) {
	if e.sink == nil {
		return false, errors.New("wait executor has no sink")
	}
	resolved, err := e.store.TransitionCheckpoint(ctx, cp.ID, types.CheckpointExpired, now, nil)
	if err != nil {
		if isRace(err) {
			e.logger.Debug("checkpoint expiry lost race", zap.String("checkpoint", cp.ID), zap.Error(err))
			return false, nil
		}
		return false, err
	}
	e.metrics.CheckpointOutcome(string(types.CheckpointExpired))
	e.logger.Info("checkpoint expired",
		zap.String("checkpoint", resolved.ID),
		zap.String("execution", resolved.ExecutionID),
		zap.String("behavior", string(resolved.TimeoutBehavior)))
	if err := e.sink.OnTimeout(ctx, resolved); err != nil {
		return true, fmt.Errorf("checkpoint %s expired but delivery failed: %w", resolved.ID, err)
	}
	return true, nil
}

// Poll fires due timers, expires checkpoints past timeoutAt and evaluates
// due condition waits. It is safe to run concurrently from several workers.
func (e *Executor) Poll(ctx context.Context, now time.Time) (PollResult, error) {
	waiting, err := e.store.ListWaitingCheckpoints(ctx)
	if err != nil {
		return PollResult{}, err
	}
	res := PollResult{Waiting: len(waiting)}
	e.metrics.CheckpointsWaiting(len(waiting))

	var errs []error
	for _, cp := range waiting {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.pollOne(ctx, cp, now, &res); err != nil {
			e.logger.Warn("checkpoint poll failed", zap.String("checkpoint", cp.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (e *Executor) pollOne(ctx context.Context, cp types.WaitCheckpoint, now time.Time, res *PollResult) error {
	if cp.ResumeAt != nil && !now.Before(*cp.ResumeAt) && !cp.ResumeAt.After(cp.TimeoutAt) {
		_, err := e.resume(ctx, cp, types.WaitResumePayload{
			ExecutionID: cp.ExecutionID,
			NodeID:      cp.NodeID,
			EventType:   types.WaitTimer,
			ResumedBy:   "timer",
			ResumedAt:   now,
		})
		if err == nil {
			res.Resumed++
		}
		return ignoreRace(err)
	}

	if !now.Before(cp.TimeoutAt) {
		expired, err := e.expire(ctx, cp, now)
		if expired {
			res.Expired++
		}
		return err
	}

	if cp.EventType != types.WaitCondition || cp.NextPollAt == nil || now.Before(*cp.NextPollAt) {
		return nil
	}
	res.Polled++

	ok, err := e.evaluateCondition(ctx, cp)
	if err != nil {
		e.logger.Warn("condition evaluation failed", zap.String("checkpoint", cp.ID), zap.Error(err))
	}
	if ok {
		_, err := e.resume(ctx, cp, types.WaitResumePayload{
			ExecutionID: cp.ExecutionID,
			NodeID:      cp.NodeID,
			EventType:   types.WaitCondition,
			ResumedBy:   "condition",
			ResumedAt:   now,
		})
		if err == nil {
			res.Resumed++
		}
		return ignoreRace(err)
	}

	cp.PollCount++
	if e.cfg.ConditionMaxPolls > 0 && cp.PollCount >= e.cfg.ConditionMaxPolls {
		expired, err := e.expire(ctx, cp, now)
		if expired {
			res.Expired++
		}
		return err
	}
	next := now.Add(e.cfg.ConditionPollInterval)
	cp.NextPollAt = &next
	return ignoreRace(e.store.UpdateCheckpointPoll(ctx, cp))
}

func (e *Executor) evaluateCondition(ctx context.Context, cp types.WaitCheckpoint) (bool, error) {
	if e.sink == nil {
		return false, errors.New("wait executor has no sink")
	}
	env, err := e.sink.ConditionEnv(ctx, cp)
	if err != nil {
		return false, err
	}
	return e.evaluator.Evaluate(cp.Condition, env)
}

// Cancel discards the outstanding checkpoint of executionID and reports
// the abort to the sink.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	if e.sink == nil {
		return errors.New("wait executor has no sink")
	}
	cp, err := e.store.FindWaitingCheckpoint(ctx, executionID)
	if err != nil {
		return err
	}
	resolved, err := e.store.TransitionCheckpoint(ctx, cp.ID, types.CheckpointCancelled, e.now(), nil)
	if err != nil {
		if isRace(err) {
			e.logger.Debug("checkpoint cancel lost race", zap.String("checkpoint", cp.ID), zap.Error(err))
		}
		return err
	}
	e.metrics.CheckpointOutcome(string(types.CheckpointCancelled))
	return e.sink.OnCancelled(ctx, resolved)
}

// WebhookPath returns the inbound resume path for a node.
func (e *Executor) WebhookPath(executionID, nodeID string) string {
	return strings.NewReplacer(
		"{executionId}", url.PathEscape(executionID),
		"{nodeId}", url.PathEscape(nodeID),
	).Replace(e.cfg.WebhookURLPattern)
}

func isRace(err error) bool {
	return errors.Is(err, types.ErrAlreadyResumed) ||
		errors.Is(err, types.ErrAlreadyExpired) ||
		errors.Is(err, types.ErrCancelled)
}

func ignoreRace(err error) error {
	if isRace(err) {
		return nil
	}
	return err
}
