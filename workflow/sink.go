package workflow

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

// The engine is the wait.Sink of its instances. Each callback ignores
// checkpoints that no longer match the node the instance is waiting on.

// OnResumed continues the paused step. Resume variables are merged into the
// instance context; a webhook body is kept under "webhookPayload".
func (e *Engine) OnResumed(ctx context.Context, cp types.WaitCheckpoint, payload types.WaitResumePayload) error {
	id, err := instanceID(cp)
	if err != nil {
		return err
	}
	inst, fx, err := e.mutate(ctx, id, func(inst *types.ProcessInstance, _ types.ProcessDefinition, fx *effects) error {
		if !waitingOn(inst, cp) {
			return errNoChange
		}
		if inst.Context == nil {
			inst.Context = make(map[string]interface{}, len(payload.Variables)+1)
		}
		for k, v := range payload.Variables {
			inst.Context[k] = v
		}
		if payload.WebhookPayload != nil {
			inst.Context["webhookPayload"] = payload.WebhookPayload
		}
		clearWait(inst)
		fx.emit(eventOf(events.CheckpointResolved, inst, map[string]interface{}{
			"checkpointId": cp.ID,
			"outcome":      string(types.CheckpointResumed),
			"resumedBy":    payload.ResumedBy,
		}))
		return nil
	})
	if err != nil {
		return err
	}
	if fx != nil {
		e.logger.Info("step resumed", zap.Uint64("instance", id), zap.String("node", cp.NodeID), zap.String("event", string(cp.EventType)))
	}
	_, err = e.apply(ctx, inst, fx)
	return err
}

// OnTimeout applies the checkpoint's timeout behavior. fallback applies the
// rejection behavior of the paused step.
func (e *Engine) OnTimeout(ctx context.Context, cp types.WaitCheckpoint) error {
	id, err := instanceID(cp)
	if err != nil {
		return err
	}
	inst, fx, err := e.mutate(ctx, id, func(inst *types.ProcessInstance, def types.ProcessDefinition, fx *effects) error {
		if !waitingOn(inst, cp) {
			return errNoChange
		}
		clearWait(inst)
		fx.emit(eventOf(events.CheckpointResolved, inst, map[string]interface{}{
			"checkpointId": cp.ID,
			"outcome":      string(types.CheckpointExpired),
			"behavior":     string(cp.TimeoutBehavior),
		}))
		switch cp.TimeoutBehavior {
		case types.TimeoutContinue:
			return nil
		case types.TimeoutFallback:
			return e.rejectStep(ctx, inst, def, fx)
		default:
			e.failWith(inst, fmt.Errorf("%w: node %s", types.ErrTimeoutExceeded, cp.NodeID), fx)
			return nil
		}
	})
	if err != nil {
		return err
	}
	if fx != nil {
		e.logger.Info("wait timed out",
			zap.Uint64("instance", id),
			zap.String("node", cp.NodeID),
			zap.String("behavior", string(cp.TimeoutBehavior)))
	}
	_, err = e.apply(ctx, inst, fx)
	return err
}

// OnCancelled fails the instance whose wait was aborted.
func (e *Engine) OnCancelled(ctx context.Context, cp types.WaitCheckpoint) error {
	id, err := instanceID(cp)
	if err != nil {
		return err
	}
	inst, fx, err := e.mutate(ctx, id, func(inst *types.ProcessInstance, _ types.ProcessDefinition, fx *effects) error {
		if !waitingOn(inst, cp) {
			return errNoChange
		}
		clearWait(inst)
		e.failWith(inst, fmt.Errorf("%w: node %s", types.ErrCancelled, cp.NodeID), fx)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = e.apply(ctx, inst, fx)
	return err
}

// ConditionEnv evaluates condition waits against the current record when a
// record store is configured, else against the instance snapshot.
func (e *Engine) ConditionEnv(ctx context.Context, cp types.WaitCheckpoint) (map[string]interface{}, error) {
	id, err := instanceID(cp)
	if err != nil {
		return nil, err
	}
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	record := inst.Record
	if e.records != nil {
		fresh, err := e.records.GetRecord(ctx, inst.Object, inst.RecordID)
		if err != nil {
			e.logger.Debug("condition uses record snapshot", zap.Uint64("instance", id), zap.Error(err))
		} else {
			record = fresh
		}
	}
	return rules.Env(record, nil, inst.Context), nil
}

// failWith marks inst failed on its current step inside a transition.
func (e *Engine) failWith(inst *types.ProcessInstance, cause error, fx *effects) {
	e.finish(inst, types.StatusFailed, fx)
	inst.Failure = &types.Failure{Step: inst.CurrentStep, Message: cause.Error()}
	fx.emit(eventOf(events.InstanceFailed, inst, map[string]interface{}{"failedStep": inst.CurrentStep, "message": cause.Error()}))
}

func waitingOn(inst *types.ProcessInstance, cp types.WaitCheckpoint) bool {
	return inst.Status == types.StatusPending && inst.AwaitingNode != "" && inst.AwaitingNode == cp.NodeID &&
		(inst.CheckpointID == "" || inst.CheckpointID == cp.ID)
}

func clearWait(inst *types.ProcessInstance) {
	inst.AwaitingNode = ""
	inst.CheckpointID = ""
}

func instanceID(cp types.WaitCheckpoint) (uint64, error) {
	id, err := strconv.ParseUint(cp.ExecutionID, 10, 64)
	if err != nil {
		return 0, types.NewValidationError("executionId", "%q is not an instance id", cp.ExecutionID)
	}
	return id, nil
}
