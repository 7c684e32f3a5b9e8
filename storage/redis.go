package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/process-engine/types"
)

const (
	definitionPrefix = "definition"
	rulePrefix       = "rule"
	instancePrefix   = "instance"
	checkpointPrefix = "checkpoint"
	executionPrefix  = "execution"

	definitionIndex = "definitions"
	ruleIndex       = "rules"
	ruleRunsKey     = "rule_runs"
	waitingIndex    = "checkpoints:waiting"

	// maxTxRetries bounds optimistic WATCH retries on checkpoint keys.
	maxTxRetries = 3
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Instance writes and checkpoint transitions use WATCH/MULTI so that several
// worker processes can share one Redis without a global lock.
type RedisStorage struct {
	client    *redis.Client
	namespace string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// Namespace prefixes every key; one namespace per tenant.
	Namespace string
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}
	return client, nil
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return NewRedisStorageWithClient(client, opts.Namespace), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, namespace string) *RedisStorage {
	if namespace == "" {
		namespace = "process"
	}
	return &RedisStorage{client: client, namespace: namespace}
}

func (s *RedisStorage) key(parts ...string) string {
	return s.namespace + ":" + strings.Join(parts, ":")
}

func (s *RedisStorage) instanceKey(id uint64) string {
	return s.key(instancePrefix, strconv.FormatUint(id, 10))
}

func (s *RedisStorage) statusKey(status types.InstanceStatus) string {
	return s.key("instances", string(status))
}

// saveJSON saves a value to Redis under key.
func (s *RedisStorage) saveJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %v", key, err)
	}
	return nil
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getJSON retrieves and unmarshals a value from Redis.
func getJSON[T any](ctx context.Context, c getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := c.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// listJSON loads every member of an index set.
func listJSON[T any](ctx context.Context, s *RedisStorage, index, prefix string) ([]T, error) {
	names, err := s.client.SMembers(ctx, s.key(index)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %v", index, err)
	}
	out := make([]T, 0, len(names))
	for _, name := range names {
		item, err := getJSON[T](ctx, s.client, s.key(prefix, name), types.ErrNotFound)
		if errors.Is(err, types.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// SaveDefinition saves a definition and indexes its name.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.ProcessDefinition) error {
	return withContextError(ctx, func() error {
		if err := s.saveJSON(ctx, s.key(definitionPrefix, def.Name), def); err != nil {
			return err
		}
		return s.client.SAdd(ctx, s.key(definitionIndex), def.Name).Err()
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, name string) (types.ProcessDefinition, error) {
	return getJSON[types.ProcessDefinition](ctx, s.client, s.key(definitionPrefix, name), ErrDefinitionNotFound)
}

// ListDefinitions returns every indexed definition.
func (s *RedisStorage) ListDefinitions(ctx context.Context) ([]types.ProcessDefinition, error) {
	return listJSON[types.ProcessDefinition](ctx, s, definitionIndex, definitionPrefix)
}

// SaveRule saves a workflow rule and indexes its name.
func (s *RedisStorage) SaveRule(ctx context.Context, rule types.WorkflowRule) error {
	return withContextError(ctx, func() error {
		if err := s.saveJSON(ctx, s.key(rulePrefix, rule.Name), rule); err != nil {
			return err
		}
		return s.client.SAdd(ctx, s.key(ruleIndex), rule.Name).Err()
	})
}

// ListRules returns every indexed rule.
func (s *RedisStorage) ListRules(ctx context.Context) ([]types.WorkflowRule, error) {
	return listJSON[types.WorkflowRule](ctx, s, ruleIndex, rulePrefix)
}

// RuleLastRun reads the rule run hash.
func (s *RedisStorage) RuleLastRun(ctx context.Context, name string) (time.Time, bool, error) {
	ms, err := s.client.HGet(ctx, s.key(ruleRunsKey), name).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last run of %s: %v", name, err)
	}
	return time.UnixMilli(ms), true, nil
}

// SetRuleLastRun writes the rule run hash.
func (s *RedisStorage) SetRuleLastRun(ctx context.Context, name string, t time.Time) error {
	return s.client.HSet(ctx, s.key(ruleRunsKey), name, t.UnixMilli()).Err()
}

// CreateInstance stores a new instance with version 1.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst *types.ProcessInstance) error {
	return withContextError(ctx, func() error {
		inst.Version = 1
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}
		ok, err := s.client.SetNX(ctx, s.instanceKey(inst.ID), data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to create instance %d: %v", inst.ID, err)
		}
		if !ok {
			return fmt.Errorf("%w: instance %d already exists", types.ErrVersionConflict, inst.ID)
		}
		return s.client.SAdd(ctx, s.statusKey(inst.Status), inst.ID).Err()
	})
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.ProcessInstance, error) {
	return getJSON[types.ProcessInstance](ctx, s.client, s.instanceKey(id), ErrInstanceNotFound)
}

// UpdateInstance performs the versioned write inside a WATCH transaction.
func (s *RedisStorage) UpdateInstance(ctx context.Context, inst *types.ProcessInstance) error {
	key := s.instanceKey(inst.ID)
	next := *inst
	next.Version = inst.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := getJSON[types.ProcessInstance](ctx, tx, key, ErrInstanceNotFound)
		if err != nil {
			return err
		}
		if stored.Version != inst.Version {
			return fmt.Errorf("%w: instance %d at version %d, write based on %d",
				types.ErrVersionConflict, inst.ID, stored.Version, inst.Version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if stored.Status != inst.Status {
				pipe.SRem(ctx, s.statusKey(stored.Status), inst.ID)
				pipe.SAdd(ctx, s.statusKey(inst.Status), inst.ID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: instance %d modified concurrently", types.ErrVersionConflict, inst.ID)
	}
	if err != nil {
		return err
	}
	inst.Version = next.Version
	return nil
}

// ListInstances loads instances from the status index.
func (s *RedisStorage) ListInstances(ctx context.Context, status types.InstanceStatus) ([]types.ProcessInstance, error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status index %s: %v", status, err)
	}
	out := make([]types.ProcessInstance, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		inst, err := s.GetInstance(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		// The index may lag a concurrent status change.
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	return out, nil
}

// CreateCheckpoint stores a waiting checkpoint, enforcing capacity and the
// one-outstanding-checkpoint-per-execution rule under WATCH.
func (s *RedisStorage) CreateCheckpoint(ctx context.Context, cp types.WaitCheckpoint, limit int) error {
	cp.Status = types.CheckpointWaiting
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %v", cp.ID, err)
	}
	execKey := s.key(executionPrefix, cp.ExecutionID)
	waitKey := s.key(waitingIndex)

	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, execKey).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: execution=%s", ErrCheckpointExists, cp.ExecutionID)
			}
			if limit > 0 {
				count, err := tx.ZCard(ctx, waitKey).Result()
				if err != nil {
					return err
				}
				if count >= int64(limit) {
					return fmt.Errorf("%w: limit=%d", types.ErrCapacityExceeded, limit)
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.key(checkpointPrefix, cp.ID), data, 0)
				pipe.Set(ctx, execKey, cp.ID, 0)
				pipe.ZAdd(ctx, waitKey, &redis.Z{Score: float64(cp.TimeoutAt.UnixMilli()), Member: cp.ID})
				return nil
			})
			return err
		}, execKey, waitKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: checkpoint index contended", types.ErrVersionConflict)
}

// GetCheckpoint retrieves a checkpoint from Redis.
func (s *RedisStorage) GetCheckpoint(ctx context.Context, id string) (types.WaitCheckpoint, error) {
	return getJSON[types.WaitCheckpoint](ctx, s.client, s.key(checkpointPrefix, id), ErrCheckpointNotFound)
}

// FindWaitingCheckpoint resolves the execution index.
func (s *RedisStorage) FindWaitingCheckpoint(ctx context.Context, executionID string) (types.WaitCheckpoint, error) {
	id, err := s.client.Get(ctx, s.key(executionPrefix, executionID)).Result()
	if errors.Is(err, redis.Nil) {
		return types.WaitCheckpoint{}, fmt.Errorf("%w: execution=%s", ErrCheckpointNotFound, executionID)
	} else if err != nil {
		return types.WaitCheckpoint{}, fmt.Errorf("failed to read execution %s: %v", executionID, err)
	}
	return s.GetCheckpoint(ctx, id)
}

// TransitionCheckpoint is the compare-and-swap on checkpoint status.
func (s *RedisStorage) TransitionCheckpoint(ctx context.Context, id string, status types.CheckpointStatus, at time.Time, resumption *types.WaitResumePayload) (types.WaitCheckpoint, error) {
	key := s.key(checkpointPrefix, id)
	var result types.WaitCheckpoint

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cp, err := getJSON[types.WaitCheckpoint](ctx, tx, key, ErrCheckpointNotFound)
			if err != nil {
				return err
			}
			if cp.Status != types.CheckpointWaiting {
				result = cp
				return checkpointStateErr(cp)
			}
			cp = resolve(cp, status, at, resumption)
			data, err := json.Marshal(cp)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.Del(ctx, s.key(executionPrefix, cp.ExecutionID))
				pipe.ZRem(ctx, s.key(waitingIndex), cp.ID)
				return nil
			})
			result = cp
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return result, err
		}
	}
	return result, fmt.Errorf("%w: checkpoint %s contended", types.ErrVersionConflict, id)
}

// UpdateCheckpointPoll stores poll counters if the checkpoint still waits.
func (s *RedisStorage) UpdateCheckpointPoll(ctx context.Context, cp types.WaitCheckpoint) error {
	key := s.key(checkpointPrefix, cp.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := getJSON[types.WaitCheckpoint](ctx, tx, key, ErrCheckpointNotFound)
		if err != nil {
			return err
		}
		if stored.Status != types.CheckpointWaiting {
			return checkpointStateErr(stored)
		}
		stored.PollCount = cp.PollCount
		stored.NextPollAt = cp.NextPollAt
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: checkpoint %s modified concurrently", types.ErrVersionConflict, cp.ID)
	}
	return err
}

// ListWaitingCheckpoints reads the waiting index ordered by timeout.
func (s *RedisStorage) ListWaitingCheckpoints(ctx context.Context) ([]types.WaitCheckpoint, error) {
	ids, err := s.client.ZRange(ctx, s.key(waitingIndex), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read waiting index: %v", err)
	}
	out := make([]types.WaitCheckpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.GetCheckpoint(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		if cp.Status == types.CheckpointWaiting {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
