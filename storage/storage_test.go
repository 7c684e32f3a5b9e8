package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/types"
)

func newDefinition(name string) types.ProcessDefinition {
	return types.ProcessDefinition{
		Name:   name,
		Object: "expense",
		Steps: []types.ApprovalStep{{
			Name:      "manager",
			Approvers: []types.ApproverSpec{{Type: types.ApproverManager}},
		}},
	}
}

func newInstance(id uint64, status types.InstanceStatus) *types.ProcessInstance {
	return &types.ProcessInstance{
		ID:          id,
		ProcessName: "expense-approval",
		Object:      "expense",
		RecordID:    fmt.Sprintf("exp-%d", id),
		Status:      status,
		Approvers:   []string{"mgr"},
		Context:     map[string]interface{}{"key": "value"},
		CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newCheckpoint(id, execID string, timeoutAt time.Time) types.WaitCheckpoint {
	return types.WaitCheckpoint{
		ID:              id,
		ExecutionID:     execID,
		NodeID:          "step-0",
		EventType:       types.WaitWebhook,
		CreatedAt:       timeoutAt.Add(-time.Hour),
		TimeoutAt:       timeoutAt,
		TimeoutBehavior: types.TimeoutFail,
	}
}

// testStorage exercises the Storage contract against a fresh store.
func testStorage(t *testing.T, store Storage) {
	ctx := context.Background()

	t.Run("Definitions", func(t *testing.T) {
		_, err := store.GetDefinition(ctx, "missing")
		assert.ErrorIs(t, err, types.ErrNotFound)

		require.NoError(t, store.SaveDefinition(ctx, newDefinition("b")))
		require.NoError(t, store.SaveDefinition(ctx, newDefinition("a")))
		got, err := store.GetDefinition(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, newDefinition("a"), got)

		list, err := store.ListDefinitions(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("Rules", func(t *testing.T) {
		rule := types.WorkflowRule{Name: "r1", Object: "lead", Active: true, Schedule: "@daily",
			Actions: []types.Action{{Type: types.ActionFieldUpdate, Name: "flag"}}}
		require.NoError(t, store.SaveRule(ctx, rule))
		rules, err := store.ListRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "r1", rules[0].Name)

		_, ok, err := store.RuleLastRun(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, ok)
		at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, store.SetRuleLastRun(ctx, "r1", at))
		got, ok, err := store.RuleLastRun(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, at.Equal(got))
	})

	t.Run("InstanceVersioning", func(t *testing.T) {
		inst := newInstance(100, types.StatusPending)
		require.NoError(t, store.CreateInstance(ctx, inst))
		assert.EqualValues(t, 1, inst.Version)
		assert.ErrorIs(t, store.CreateInstance(ctx, newInstance(100, types.StatusPending)), types.ErrVersionConflict)

		a, err := store.GetInstance(ctx, 100)
		require.NoError(t, err)
		b, err := store.GetInstance(ctx, 100)
		require.NoError(t, err)

		a.CurrentStep = 1
		require.NoError(t, store.UpdateInstance(ctx, &a))
		assert.EqualValues(t, 2, a.Version)

		b.Status = types.StatusRecalled
		assert.ErrorIs(t, store.UpdateInstance(ctx, &b), types.ErrVersionConflict)

		got, err := store.GetInstance(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, got.CurrentStep)
		assert.Equal(t, types.StatusPending, got.Status)

		_, err = store.GetInstance(ctx, 404)
		assert.ErrorIs(t, err, types.ErrNotFound)
		missing := newInstance(404, types.StatusPending)
		assert.ErrorIs(t, store.UpdateInstance(ctx, missing), types.ErrNotFound)
	})

	t.Run("ListInstancesByStatus", func(t *testing.T) {
		require.NoError(t, store.CreateInstance(ctx, newInstance(201, types.StatusPending)))
		done := newInstance(202, types.StatusPending)
		require.NoError(t, store.CreateInstance(ctx, done))
		done.Status = types.StatusApproved
		require.NoError(t, store.UpdateInstance(ctx, done))

		pending, err := store.ListInstances(ctx, types.StatusPending)
		require.NoError(t, err)
		ids := map[uint64]bool{}
		for _, inst := range pending {
			ids[inst.ID] = true
		}
		assert.True(t, ids[201])
		assert.False(t, ids[202])

		approved, err := store.ListInstances(ctx, types.StatusApproved)
		require.NoError(t, err)
		require.Len(t, approved, 1)
		assert.Equal(t, uint64(202), approved[0].ID)
	})

	t.Run("Checkpoints", func(t *testing.T) {
		base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, store.CreateCheckpoint(ctx, newCheckpoint("cp-1", "e1", base.Add(2*time.Hour)), 2))
		assert.ErrorIs(t, store.CreateCheckpoint(ctx, newCheckpoint("cp-dup", "e1", base), 2), types.ErrValidation)
		require.NoError(t, store.CreateCheckpoint(ctx, newCheckpoint("cp-2", "e2", base.Add(time.Hour)), 2))
		assert.ErrorIs(t, store.CreateCheckpoint(ctx, newCheckpoint("cp-3", "e3", base), 2), types.ErrCapacityExceeded)

		waiting, err := store.ListWaitingCheckpoints(ctx)
		require.NoError(t, err)
		require.Len(t, waiting, 2)
		assert.Equal(t, "cp-2", waiting[0].ID, "ordered by timeout")

		found, err := store.FindWaitingCheckpoint(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, types.CheckpointWaiting, found.Status)

		next := base.Add(10 * time.Minute)
		found.PollCount = 3
		found.NextPollAt = &next
		require.NoError(t, store.UpdateCheckpointPoll(ctx, found))

		resumption := &types.WaitResumePayload{ExecutionID: "e1", CheckpointID: "cp-1", NodeID: "n1", ResumedBy: "ops"}
		resolved, err := store.TransitionCheckpoint(ctx, "cp-1", types.CheckpointResumed, base.Add(time.Minute), resumption)
		require.NoError(t, err)
		assert.Equal(t, types.CheckpointResumed, resolved.Status)
		assert.Equal(t, 3, resolved.PollCount)
		require.NotNil(t, resolved.ResolvedAt)

		stored, err := store.GetCheckpoint(ctx, "cp-1")
		require.NoError(t, err)
		require.NotNil(t, stored.Resumption)
		assert.Equal(t, "ops", stored.Resumption.ResumedBy)

		_, err = store.TransitionCheckpoint(ctx, "cp-1", types.CheckpointExpired, base.Add(2*time.Minute), nil)
		assert.ErrorIs(t, err, types.ErrAlreadyResumed)
		assert.ErrorIs(t, store.UpdateCheckpointPoll(ctx, resolved), types.ErrAlreadyResumed)

		_, err = store.FindWaitingCheckpoint(ctx, "e1")
		assert.ErrorIs(t, err, types.ErrNotFound)
		require.NoError(t, store.CreateCheckpoint(ctx, newCheckpoint("cp-4", "e1", base), 2), "slot freed by resolution")

		_, err = store.TransitionCheckpoint(ctx, "cp-2", types.CheckpointCancelled, base, nil)
		require.NoError(t, err)
		_, err = store.TransitionCheckpoint(ctx, "cp-2", types.CheckpointResumed, base, nil)
		assert.ErrorIs(t, err, types.ErrCancelled)

		_, err = store.GetCheckpoint(ctx, "nope")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("TransitionRace", func(t *testing.T) {
		require.NoError(t, store.CreateCheckpoint(ctx, newCheckpoint("cp-race", "race", time.Now().Add(time.Hour)), 0))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				status := types.CheckpointResumed
				if i%2 == 1 {
					status = types.CheckpointExpired
				}
				if _, err := store.TransitionCheckpoint(ctx, "cp-race", status, time.Now(), nil); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

// testLocker exercises record lock ownership.
func testLocker(t *testing.T, locker interface {
	Lock(ctx context.Context, object, recordID, owner string) error
	Unlock(ctx context.Context, object, recordID, owner string) error
}) {
	ctx := context.Background()
	require.NoError(t, locker.Lock(ctx, "expense", "r1", "inst-1"))
	require.NoError(t, locker.Lock(ctx, "expense", "r1", "inst-1"), "re-entrant for the owner")
	assert.ErrorIs(t, locker.Lock(ctx, "expense", "r1", "inst-2"), types.ErrRecordLocked)

	require.NoError(t, locker.Unlock(ctx, "expense", "r1", "inst-2"))
	assert.ErrorIs(t, locker.Lock(ctx, "expense", "r1", "inst-2"), types.ErrRecordLocked, "non-owner unlock is a no-op")

	require.NoError(t, locker.Unlock(ctx, "expense", "r1", "inst-1"))
	require.NoError(t, locker.Lock(ctx, "expense", "r1", "inst-2"))
	require.NoError(t, locker.Lock(ctx, "expense", "r2", "inst-1"), "locks are per record")
}
