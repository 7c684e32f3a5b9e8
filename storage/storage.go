package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/process-engine/types"
)

// Storage persists definitions, process instances and wait checkpoints.
// Implementations must be safe for use by several worker processes: the
// only coordination between workers is the versioned instance write and the
// checkpoint status compare-and-swap.
type Storage interface {
	// SaveDefinition publishes a process definition under its name.
	SaveDefinition(ctx context.Context, def types.ProcessDefinition) error

	// GetDefinition retrieves a process definition by name.
	GetDefinition(ctx context.Context, name string) (types.ProcessDefinition, error)

	// ListDefinitions returns every published definition.
	ListDefinitions(ctx context.Context) ([]types.ProcessDefinition, error)

	// SaveRule publishes a workflow rule under its name.
	SaveRule(ctx context.Context, rule types.WorkflowRule) error

	// ListRules returns every workflow rule.
	ListRules(ctx context.Context) ([]types.WorkflowRule, error)

	// RuleLastRun returns when a scheduled rule last ran; ok is false if never.
	RuleLastRun(ctx context.Context, name string) (t time.Time, ok bool, err error)

	// SetRuleLastRun records a scheduled rule run.
	SetRuleLastRun(ctx context.Context, name string, t time.Time) error

	// CreateInstance stores a new instance and sets its version to 1.
	CreateInstance(ctx context.Context, inst *types.ProcessInstance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.ProcessInstance, error)

	// UpdateInstance writes inst if the stored version equals inst.Version,
	// then increments inst.Version. A mismatch returns ErrVersionConflict.
	UpdateInstance(ctx context.Context, inst *types.ProcessInstance) error

	// ListInstances returns instances with the given status.
	ListInstances(ctx context.Context, status types.InstanceStatus) ([]types.ProcessInstance, error)

	// CreateCheckpoint stores a waiting checkpoint. It fails with
	// ErrCapacityExceeded when limit > 0 waiting checkpoints already exist and
	// with ErrValidation when the execution already has one outstanding.
	CreateCheckpoint(ctx context.Context, cp types.WaitCheckpoint, limit int) error

	// GetCheckpoint retrieves a checkpoint by ID.
	GetCheckpoint(ctx context.Context, id string) (types.WaitCheckpoint, error)

	// FindWaitingCheckpoint returns the outstanding checkpoint of an execution.
	FindWaitingCheckpoint(ctx context.Context, executionID string) (types.WaitCheckpoint, error)

	// TransitionCheckpoint atomically moves a waiting checkpoint to status,
	// recording the resume payload when one is given. If the checkpoint is
	// no longer waiting the error reports its current status
	// (ErrAlreadyResumed, ErrAlreadyExpired or ErrCancelled).
	TransitionCheckpoint(ctx context.Context, id string, status types.CheckpointStatus, at time.Time, resumption *types.WaitResumePayload) (types.WaitCheckpoint, error)

	// UpdateCheckpointPoll stores poll bookkeeping of a still-waiting checkpoint.
	UpdateCheckpointPoll(ctx context.Context, cp types.WaitCheckpoint) error

	// ListWaitingCheckpoints returns every waiting checkpoint.
	ListWaitingCheckpoints(ctx context.Context) ([]types.WaitCheckpoint, error)
}

// Errors
var (
	ErrDefinitionNotFound = fmt.Errorf("%w: definition", types.ErrNotFound)
	ErrInstanceNotFound   = fmt.Errorf("%w: instance", types.ErrNotFound)
	ErrCheckpointNotFound = fmt.Errorf("%w: checkpoint", types.ErrNotFound)
	ErrCheckpointExists   = fmt.Errorf("%w: execution already has an outstanding checkpoint", types.ErrValidation)
	ErrLockHeld           = fmt.Errorf("%w: held by another owner", types.ErrRecordLocked)
)

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// checkpointStateErr maps a non-waiting status to the race error it implies.
func checkpointStateErr(cp types.WaitCheckpoint) error {
	switch cp.Status {
	case types.CheckpointResumed:
		return fmt.Errorf("%w: id=%s", types.ErrAlreadyResumed, cp.ID)
	case types.CheckpointExpired:
		return fmt.Errorf("%w: id=%s", types.ErrAlreadyExpired, cp.ID)
	case types.CheckpointCancelled:
		return fmt.Errorf("%w: id=%s", types.ErrCancelled, cp.ID)
	}
	return errors.New("checkpoint in unknown status " + string(cp.Status))
}

// resolve applies a terminal status to a waiting checkpoint copy.
func resolve(cp types.WaitCheckpoint, status types.CheckpointStatus, at time.Time, resumption *types.WaitResumePayload) types.WaitCheckpoint {
	cp.Status = status
	cp.ResolvedAt = &at
	cp.NextPollAt = nil
	if resumption != nil {
		r := *resumption
		cp.Resumption = &r
	}
	return cp
}
