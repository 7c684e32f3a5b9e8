package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// MemoryLocker is an in-process record edit-lock.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]string
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]string)}
}

func lockKey(object, recordID string) string {
	return object + "/" + recordID
}

// Lock acquires the record lock for owner. Re-locking by the same owner succeeds.
func (l *MemoryLocker) Lock(ctx context.Context, object, recordID, owner string) error {
	return withContextError(ctx, func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		k := lockKey(object, recordID)
		if held, ok := l.locks[k]; ok && held != owner {
			return fmt.Errorf("%w: %s", ErrLockHeld, k)
		}
		l.locks[k] = owner
		return nil
	})
}

// Unlock releases the lock if owner holds it.
func (l *MemoryLocker) Unlock(ctx context.Context, object, recordID, owner string) error {
	return withContextError(ctx, func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		k := lockKey(object, recordID)
		if held, ok := l.locks[k]; ok && held == owner {
			delete(l.locks, k)
		}
		return nil
	})
}

// IsLocked reports whether a record is locked and by whom.
func (l *MemoryLocker) IsLocked(object, recordID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.locks[lockKey(object, recordID)]
	return owner, ok
}

// unlockScript deletes the lock only when the caller owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements record edit-locks with SETNX.
type RedisLocker struct {
	client    *redis.Client
	namespace string
}

// NewRedisLocker creates a RedisLocker sharing the storage client.
func NewRedisLocker(client *redis.Client, namespace string) *RedisLocker {
	if namespace == "" {
		namespace = "process"
	}
	return &RedisLocker{client: client, namespace: namespace}
}

func (l *RedisLocker) key(object, recordID string) string {
	return l.namespace + ":lock:" + lockKey(object, recordID)
}

// Lock acquires the record lock for owner.
func (l *RedisLocker) Lock(ctx context.Context, object, recordID, owner string) error {
	k := l.key(object, recordID)
	ok, err := l.client.SetNX(ctx, k, owner, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %v", k, err)
	}
	if ok {
		return nil
	}
	held, err := l.client.Get(ctx, k).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read lock %s: %v", k, err)
	}
	if held == owner {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrLockHeld, k)
}

// Unlock releases the lock if owner holds it.
func (l *RedisLocker) Unlock(ctx context.Context, object, recordID, owner string) error {
	k := l.key(object, recordID)
	if err := unlockScript.Run(ctx, l.client, []string{k}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to unlock %s: %v", k, err)
	}
	return nil
}
