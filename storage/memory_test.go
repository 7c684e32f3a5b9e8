package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/types"
)

func TestMemoryStorage(t *testing.T) {
	testStorage(t, NewMemoryStorage())

	t.Run("ReturnsCopies", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		inst := newInstance(1, types.StatusPending)
		require.NoError(t, store.CreateInstance(ctx, inst))

		inst.Context["key"] = "mutated"
		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "value", got.Context["key"])

		got.Approvers[0] = "someone"
		again, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "mgr", again.Approvers[0])
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, store.CreateInstance(ctx, newInstance(1, types.StatusPending)), context.Canceled)
		_, err := store.GetInstance(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.ListWaitingCheckpoints(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.SaveDefinition(ctx, newDefinition("x")), context.Canceled)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		require.NoError(t, store.CreateInstance(ctx, newInstance(1, types.StatusPending)))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(step int) {
				defer wg.Done()
				inst, err := store.GetInstance(ctx, 1)
				if err != nil {
					return
				}
				inst.CurrentStep = step
				err = store.UpdateInstance(ctx, &inst)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, types.ErrVersionConflict) {
					conflicts++
				}
			}(i)
		}
		wg.Wait()

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 16, wins+conflicts)
		assert.EqualValues(t, 1+wins, got.Version)
	})
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	testLocker(t, l)

	owner, ok := l.IsLocked("expense", "r1")
	assert.True(t, ok)
	assert.Equal(t, "inst-2", owner)
}

func TestGetItem(t *testing.T) {
	ctx := context.Background()
	var mu sync.RWMutex
	m := map[uint64]string{1: "one", 2: "two"}

	t.Run("Found", func(t *testing.T) {
		result, err := getItem(ctx, &mu, m, 1, errors.New("not found"))
		assert.NoError(t, err)
		assert.Equal(t, "one", result)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := getItem(ctx, &mu, m, 3, ErrInstanceNotFound)
		assert.ErrorIs(t, err, types.ErrNotFound)
		assert.Contains(t, err.Error(), "id=3")
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := getItem(ctx, &mu, m, 1, errors.New("not found"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestWithContext(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		result, err := withContext(context.Background(), func() (string, error) {
			return "success", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "success", result)
	})

	t.Run("Error", func(t *testing.T) {
		_, err := withContext(context.Background(), func() (string, error) {
			return "", errors.New("fail")
		})
		assert.EqualError(t, err, "fail")
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := withContext(ctx, func() (string, error) {
			return "success", nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
