package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/process-engine/types"
)

// ReconcileResult counts what one Reconcile pass repaired.
type ReconcileResult struct {
	Checked     int
	Redelivered int
	Attached    int
	Recreated   int
	Failed      int
}

// Reconcile repairs pending instances whose wait disagrees with their
// checkpoint. Consuming a checkpoint and updating the instance are separate
// writes, so either can be left behind by a crash or a store error:
//
//   - a checkpoint resolved without its outcome reaching the instance is
//     delivered again (resume payload, timeout or cancellation);
//   - an instance waiting without a checkpoint adopts the outstanding one of
//     its execution, or gets a new one once it has been left unchanged for
//     the grace period.
//
// Redelivery is idempotent, so concurrent passes on several workers are safe.
func (e *Engine) Reconcile(ctx context.Context, now time.Time) (ReconcileResult, error) {
	var res ReconcileResult
	pending, err := e.store.ListInstances(ctx, types.StatusPending)
	if err != nil {
		return res, err
	}
	for _, inst := range pending {
		if inst.AwaitingNode == "" {
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		if err := e.reconcile(ctx, inst, now, &res); err != nil {
			res.Failed++
			e.logger.Warn("wait reconciliation failed",
				zap.Uint64("instance", inst.ID),
				zap.String("node", inst.AwaitingNode),
				zap.Error(err))
		}
	}
	return res, nil
}

func (e *Engine) reconcile(ctx context.Context, inst types.ProcessInstance, now time.Time, res *ReconcileResult) error {
	if inst.CheckpointID != "" {
		cp, err := e.store.GetCheckpoint(ctx, inst.CheckpointID)
		switch {
		case err == nil && cp.Status == types.CheckpointWaiting:
			return nil
		case err == nil:
			if err := e.redeliver(ctx, cp); err != nil {
				return err
			}
			res.Redelivered++
			return nil
		case !errors.Is(err, types.ErrNotFound):
			return err
		}
	}
	if now.Sub(inst.UpdatedAt) < e.reconcileGrace {
		return nil
	}

	cp, err := e.store.FindWaitingCheckpoint(ctx, inst.ExecutionID())
	switch {
	case err == nil && cp.NodeID == inst.AwaitingNode:
		_, attached, err := e.attach(ctx, inst.ID, cp)
		if attached {
			res.Attached++
			e.logger.Info("checkpoint attached", zap.Uint64("instance", inst.ID), zap.String("checkpoint", cp.ID))
		}
		return err
	case err == nil:
		// left over from a node the instance is no longer on
		if _, err := e.store.TransitionCheckpoint(ctx, cp.ID, types.CheckpointCancelled, now, nil); err != nil && !isRace(err) {
			return err
		}
	case !errors.Is(err, types.ErrNotFound):
		return err
	}

	def, err := e.defs.Get(ctx, inst.ProcessName)
	if err != nil {
		return err
	}
	if inst.CurrentStep >= len(def.Steps) || def.Steps[inst.CurrentStep].Wait == nil || waitNodeID(inst.CurrentStep) != inst.AwaitingNode {
		return fmt.Errorf("no wait configured for node %s", inst.AwaitingNode)
	}
	cp, err = e.checkpointFor(ctx, inst.ExecutionID(), inst.AwaitingNode, *def.Steps[inst.CurrentStep].Wait)
	if err != nil {
		return err
	}
	_, attached, err := e.attach(ctx, inst.ID, cp)
	if attached {
		res.Recreated++
		e.logger.Warn("checkpoint recreated",
			zap.Uint64("instance", inst.ID),
			zap.String("node", cp.NodeID),
			zap.String("checkpoint", cp.ID),
			zap.Time("timeoutAt", cp.TimeoutAt))
	}
	return err
}

// redeliver hands the outcome of a resolved checkpoint to the engine again.
func (e *Engine) redeliver(ctx context.Context, cp types.WaitCheckpoint) error {
	e.logger.Info("redelivering checkpoint outcome",
		zap.String("checkpoint", cp.ID),
		zap.String("execution", cp.ExecutionID),
		zap.String("status", string(cp.Status)))
	switch cp.Status {
	case types.CheckpointResumed:
		payload := types.WaitResumePayload{
			ExecutionID:  cp.ExecutionID,
			CheckpointID: cp.ID,
			NodeID:       cp.NodeID,
			EventType:    cp.EventType,
		}
		if cp.Resumption != nil {
			payload = *cp.Resumption
		}
		return e.OnResumed(ctx, cp, payload)
	case types.CheckpointExpired:
		return e.OnTimeout(ctx, cp)
	case types.CheckpointCancelled:
		return e.OnCancelled(ctx, cp)
	}
	return fmt.Errorf("checkpoint %s in unknown status %q", cp.ID, cp.Status)
}
