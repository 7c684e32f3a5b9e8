package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/process-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// It is meant for tests and single-process deployments.
type MemoryStorage struct {
	definitions map[string]types.ProcessDefinition
	rules       map[string]types.WorkflowRule
	ruleRuns    map[string]time.Time
	instances   map[uint64]types.ProcessInstance
	checkpoints map[string]types.WaitCheckpoint
	executions  map[string]string
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.ProcessDefinition),
		rules:       make(map[string]types.WorkflowRule),
		ruleRuns:    make(map[string]time.Time),
		instances:   make(map[uint64]types.ProcessInstance),
		checkpoints: make(map[string]types.WaitCheckpoint),
		executions:  make(map[string]string),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.ProcessDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.Name] = def
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, name string) (types.ProcessDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, name, ErrDefinitionNotFound)
}

// ListDefinitions returns definitions sorted by name.
func (s *MemoryStorage) ListDefinitions(ctx context.Context) ([]types.ProcessDefinition, error) {
	return withContext(ctx, func() ([]types.ProcessDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ProcessDefinition, 0, len(s.definitions))
		for _, d := range s.definitions {
			out = append(out, d)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	})
}

// SaveRule saves a workflow rule to memory.
func (s *MemoryStorage) SaveRule(ctx context.Context, rule types.WorkflowRule) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.rules[rule.Name] = rule
		return nil
	})
}

// ListRules returns rules sorted by name.
func (s *MemoryStorage) ListRules(ctx context.Context) ([]types.WorkflowRule, error) {
	return withContext(ctx, func() ([]types.WorkflowRule, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowRule, 0, len(s.rules))
		for _, r := range s.rules {
			out = append(out, r)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	})
}

// RuleLastRun returns the last recorded run of a rule.
func (s *MemoryStorage) RuleLastRun(ctx context.Context, name string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ruleRuns[name]
	return t, ok, nil
}

// SetRuleLastRun records a rule run.
func (s *MemoryStorage) SetRuleLastRun(ctx context.Context, name string, t time.Time) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.ruleRuns[name] = t
		return nil
	})
}

// CreateInstance stores a new instance.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst *types.ProcessInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.ID]; ok {
			return fmt.Errorf("%w: instance %d already exists", types.ErrVersionConflict, inst.ID)
		}
		inst.Version = 1
		s.instances[inst.ID] = inst.Clone()
		return nil
	})
}

// GetInstance retrieves a copy of an instance.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.ProcessInstance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return types.ProcessInstance{}, err
	}
	return inst.Clone(), nil
}

// UpdateInstance performs the versioned write.
func (s *MemoryStorage) UpdateInstance(ctx context.Context, inst *types.ProcessInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.instances[inst.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		}
		if stored.Version != inst.Version {
			return fmt.Errorf("%w: instance %d at version %d, write based on %d",
				types.ErrVersionConflict, inst.ID, stored.Version, inst.Version)
		}
		inst.Version++
		s.instances[inst.ID] = inst.Clone()
		return nil
	})
}

// ListInstances returns instances with the given status ordered by ID.
func (s *MemoryStorage) ListInstances(ctx context.Context, status types.InstanceStatus) ([]types.ProcessInstance, error) {
	return withContext(ctx, func() ([]types.ProcessInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ProcessInstance
		for _, inst := range s.instances {
			if inst.Status == status {
				out = append(out, inst.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// CreateCheckpoint stores a waiting checkpoint under the capacity limit.
func (s *MemoryStorage) CreateCheckpoint(ctx context.Context, cp types.WaitCheckpoint, limit int) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.executions[cp.ExecutionID]; ok {
			return fmt.Errorf("%w: execution=%s", ErrCheckpointExists, cp.ExecutionID)
		}
		if limit > 0 && len(s.executions) >= limit {
			return fmt.Errorf("%w: limit=%d", types.ErrCapacityExceeded, limit)
		}
		cp.Status = types.CheckpointWaiting
		s.checkpoints[cp.ID] = cp
		s.executions[cp.ExecutionID] = cp.ID
		return nil
	})
}

// GetCheckpoint retrieves a checkpoint from memory.
func (s *MemoryStorage) GetCheckpoint(ctx context.Context, id string) (types.WaitCheckpoint, error) {
	return getItem(ctx, &s.mu, s.checkpoints, id, ErrCheckpointNotFound)
}

// FindWaitingCheckpoint looks a checkpoint up by execution.
func (s *MemoryStorage) FindWaitingCheckpoint(ctx context.Context, executionID string) (types.WaitCheckpoint, error) {
	return withContext(ctx, func() (types.WaitCheckpoint, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.executions[executionID]
		if !ok {
			return types.WaitCheckpoint{}, fmt.Errorf("%w: execution=%s", ErrCheckpointNotFound, executionID)
		}
		return s.checkpoints[id], nil
	})
}

// TransitionCheckpoint is the compare-and-swap on checkpoint status.
func (s *MemoryStorage) TransitionCheckpoint(ctx context.Context, id string, status types.CheckpointStatus, at time.Time, resumption *types.WaitResumePayload) (types.WaitCheckpoint, error) {
	return withContext(ctx, func() (types.WaitCheckpoint, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		cp, ok := s.checkpoints[id]
		if !ok {
			return types.WaitCheckpoint{}, fmt.Errorf("%w: id=%s", ErrCheckpointNotFound, id)
		}
		if cp.Status != types.CheckpointWaiting {
			return cp, checkpointStateErr(cp)
		}
		cp = resolve(cp, status, at, resumption)
		s.checkpoints[id] = cp
		delete(s.executions, cp.ExecutionID)
		return cp, nil
	})
}

// UpdateCheckpointPoll stores poll counters if the checkpoint still waits.
func (s *MemoryStorage) UpdateCheckpointPoll(ctx context.Context, cp types.WaitCheckpoint) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.checkpoints[cp.ID]
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrCheckpointNotFound, cp.ID)
		}
		if stored.Status != types.CheckpointWaiting {
			return checkpointStateErr(stored)
		}
		stored.PollCount = cp.PollCount
		stored.NextPollAt = cp.NextPollAt
		s.checkpoints[cp.ID] = stored
		return nil
	})
}

// ListWaitingCheckpoints returns waiting checkpoints ordered by timeout.
func (s *MemoryStorage) ListWaitingCheckpoints(ctx context.Context) ([]types.WaitCheckpoint, error) {
	return withContext(ctx, func() ([]types.WaitCheckpoint, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WaitCheckpoint, 0, len(s.executions))
		for _, id := range s.executions {
			out = append(out, s.checkpoints[id])
		}
		sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
		return out, nil
	})
}
