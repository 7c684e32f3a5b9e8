package workflow

import (
	"context"
	"sync"
)

// RecordLocker holds record edit-locks for instances of lockRecord processes.
// storage.MemoryLocker and storage.RedisLocker implement it.
type RecordLocker interface {
	Lock(ctx context.Context, object, recordID, owner string) error
	Unlock(ctx context.Context, object, recordID, owner string) error
}

// keyedMutex serializes work per instance id inside one process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until id is free and returns the matching unlock.
func (k *keyedMutex) Lock(id uint64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uint64]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
