package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/redis"
)

// RedsyncManager implements Manager on Redis using the Redlock
// algorithm from go-redsync/redsync/v4. Held locks are renewed in the
// background at a third of their expiry so a long refresh or sync does
// not lose its lock mid-flight.
type RedsyncManager struct {
	redsync    *redsync.Redsync
	localLocks map[string]*redsyncLock
	mutex      sync.RWMutex
}

type redsyncLock struct {
	mutex      *redsync.Mutex
	key        string
	expiration time.Duration
	acquired   time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	manager    *RedsyncManager
}

func NewRedsyncManager(redisClient *redis.Client) (*RedsyncManager, error) {
	if redisClient == nil {
		return nil, apperrors.ConfigError("redis client is required")
	}

	pool := goredis.NewPool(redisClient.GetGoRedisClient())

	return &RedsyncManager{
		redsync:    redsync.New(pool),
		localLocks: make(map[string]*redsyncLock),
	}, nil
}

func (rm *RedsyncManager) AcquireLock(ctx context.Context, key string, expiration time.Duration) (Lock, error) {
	mutex := rm.redsync.NewMutex(fmt.Sprintf("lock:%s", key),
		redsync.WithExpiry(expiration),
		redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		return nil, apperrors.InternalError("failed to acquire distributed lock", err)
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	lock := &redsyncLock{
		mutex:      mutex,
		key:        key,
		expiration: expiration,
		acquired:   time.Now(),
		ctx:        lockCtx,
		cancel:     cancel,
		manager:    rm,
	}

	rm.mutex.Lock()
	rm.localLocks[key] = lock
	rm.mutex.Unlock()

	go rm.renewLock(lock)

	return lock, nil
}

func (rm *RedsyncManager) AcquireRefreshLock(ctx context.Context, integrationID string) (Lock, error) {
	return rm.AcquireLock(ctx, fmt.Sprintf("refresh:%s", integrationID), RefreshLockTTL)
}

func (rm *RedsyncManager) AcquireJobLock(ctx context.Context, jobID string) (Lock, error) {
	return rm.AcquireLock(ctx, fmt.Sprintf("job:%s", jobID), JobLockTTL)
}

func (rm *RedsyncManager) renewLock(lock *redsyncLock) {
	renewInterval := lock.expiration / 3
	if renewInterval < time.Second {
		renewInterval = time.Second
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := lock.mutex.ExtendContext(ctx)
			cancel()

			if err != nil || !ok {
				// Lock lost, clean up
				rm.releaseLock(lock)
				return
			}
		}
	}
}

func (rm *RedsyncManager) releaseLock(lock *redsyncLock) {
	rm.mutex.Lock()
	delete(rm.localLocks, lock.key)
	rm.mutex.Unlock()

	lock.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lock.mutex.UnlockContext(ctx)
}

func (rm *RedsyncManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	for _, lock := range rm.localLocks {
		lock.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lock.mutex.UnlockContext(ctx)
		cancel()
	}

	rm.localLocks = make(map[string]*redsyncLock)
	return nil
}

func (rl *redsyncLock) Key() string {
	return rl.key
}

func (rl *redsyncLock) Release(ctx context.Context) error {
	rl.manager.releaseLock(rl)
	return nil
}

func (rl *redsyncLock) IsHeld() bool {
	select {
	case <-rl.ctx.Done():
		return false
	default:
		return true
	}
}
