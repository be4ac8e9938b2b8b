// Package locks provides the coordination locks used around token
// refresh and sync execution. Two implementations exist: a Redis-backed
// manager using the Redlock algorithm for multi-instance deployments,
// and an in-process manager for single-instance setups without Redis.
//
// Locks here are advisory. The hard exclusivity guarantees live in
// storage (the sync job claim and the token version guard); locks only
// reduce wasted work, such as two goroutines refreshing the same token
// at once and one losing the version race.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Lock is a held coordination lock.
type Lock interface {
	// Key returns the unique identifier for this lock.
	Key() string

	// Release releases the lock and stops automatic renewal.
	Release(ctx context.Context) error

	// IsHeld reports whether this instance still holds the lock. It
	// checks local state only.
	IsHeld() bool
}

// Manager acquires coordination locks.
type Manager interface {
	AcquireLock(ctx context.Context, key string, expiration time.Duration) (Lock, error)

	// AcquireRefreshLock serializes token refresh for one integration.
	AcquireRefreshLock(ctx context.Context, integrationID string) (Lock, error)

	// AcquireJobLock guards one sync job execution.
	AcquireJobLock(ctx context.Context, jobID string) (Lock, error)

	Close() error
}

const (
	RefreshLockTTL = 30 * time.Second
	JobLockTTL     = 5 * time.Minute
)

// MemoryManager is the in-process fallback used when no Redis address
// is configured. It provides the same semantics within a single
// instance: a second acquire for a held key fails instead of blocking.
type MemoryManager struct {
	held  map[string]*memoryLock
	mutex sync.Mutex
}

type memoryLock struct {
	key     string
	manager *MemoryManager
	timer   *time.Timer
	mutex   sync.Mutex
	active  bool
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		held: make(map[string]*memoryLock),
	}
}

func (m *MemoryManager) AcquireLock(ctx context.Context, key string, expiration time.Duration) (Lock, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.held[key]; exists {
		return nil, fmt.Errorf("lock %q is already held", key)
	}

	lock := &memoryLock{
		key:     key,
		manager: m,
		active:  true,
	}
	// Locks self-expire so a leaked lock cannot wedge the key forever.
	lock.timer = time.AfterFunc(expiration, func() {
		lock.expire()
	})
	m.held[key] = lock
	return lock, nil
}

func (m *MemoryManager) AcquireRefreshLock(ctx context.Context, integrationID string) (Lock, error) {
	return m.AcquireLock(ctx, fmt.Sprintf("refresh:%s", integrationID), RefreshLockTTL)
}

func (m *MemoryManager) AcquireJobLock(ctx context.Context, jobID string) (Lock, error) {
	return m.AcquireLock(ctx, fmt.Sprintf("job:%s", jobID), JobLockTTL)
}

func (m *MemoryManager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, lock := range m.held {
		lock.mutex.Lock()
		lock.active = false
		lock.timer.Stop()
		lock.mutex.Unlock()
	}
	m.held = make(map[string]*memoryLock)
	return nil
}

func (m *MemoryManager) release(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.held, key)
}

func (l *memoryLock) expire() {
	l.mutex.Lock()
	wasActive := l.active
	l.active = false
	l.mutex.Unlock()

	if wasActive {
		l.manager.release(l.key)
	}
}

func (l *memoryLock) Key() string {
	return l.key
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.mutex.Lock()
	if !l.active {
		l.mutex.Unlock()
		return nil
	}
	l.active = false
	l.timer.Stop()
	l.mutex.Unlock()

	l.manager.release(l.key)
	return nil
}

func (l *memoryLock) IsHeld() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.active
}
