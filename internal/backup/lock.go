package backup

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrLockShutdown is returned by Acquire once the lock manager has been shut down.
var ErrLockShutdown = errors.New("lock manager is shut down")

// LockManager hands out named exclusive locks. Waiting acquisitions fail with
// ErrLockShutdown when Shutdown is called.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLockManager creates a lock manager.
func NewLockManager() *LockManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &LockManager{
		locks:  make(map[string]*semaphore.Weighted),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (l *LockManager) get(name string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.locks[name]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[name] = sem
	}
	return sem
}

// Acquire blocks until the named lock is free, ctx is done, or the manager shuts
// down. The returned release func is safe to call more than once.
func (l *LockManager) Acquire(ctx context.Context, name string) (func(), error) {
	if l.ctx.Err() != nil {
		return nil, ErrLockShutdown
	}
	sem := l.get(name)

	actx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	if err := sem.Acquire(actx, 1); err != nil {
		if l.ctx.Err() != nil {
			return nil, ErrLockShutdown
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

// Shutdown fails every waiting and future acquisition. Held locks stay held
// until released.
func (l *LockManager) Shutdown() {
	l.cancel()
}
