package settlement

import (
	"context"
	"sync"
)

// Locker provides mutual exclusion keyed by entity id. The returned unlock
// function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LeaseLocker is a Locker whose locks expire unless renewed, so a holder
// can lose one without unlocking. The returned channel is closed when that
// happens.
type LeaseLocker interface {
	Locker
	LockLease(ctx context.Context, key string) (func(), <-chan struct{}, error)
}

// acquire locks key on l and returns the lost channel when l can report
// one. The channel is nil (never ready) for locks that cannot be lost.
func acquire(ctx context.Context, l Locker, key string) (func(), <-chan struct{}, error) {
	if ll, ok := l.(LeaseLocker); ok {
		return ll.LockLease(ctx, key)
	}
	unlock, err := l.Lock(ctx, key)
	return unlock, nil, err
}

// leaseLost reports whether lost has been closed.
func leaseLost(lost <-chan struct{}) bool {
	select {
	case <-lost:
		return true
	default:
		return false
	}
}

// PositionLockKey is the lock key serializing claims on one lot position.
func PositionLockKey(id LotPositionID) string { return "lot_position:" + string(id) }

// =============================================================================
// KEYED MUTEX - In-process Locker
// =============================================================================

var _ Locker = (*KeyedMutex)(nil)

// KeyedMutex serializes callers per key inside one process. Entries are
// dropped when the last holder or waiter leaves.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
