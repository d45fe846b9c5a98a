package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_Exclusive(t *testing.T) {
	l := NewLockManager()
	release, err := l.Acquire(context.Background(), "w")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "w")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other names are independent.
	other, err := l.Acquire(context.Background(), "other")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Acquire(context.Background(), "w")
	require.NoError(t, err)
	again()
}

func TestLockManager_ShutdownFailsWaiters(t *testing.T) {
	l := NewLockManager()
	release, err := l.Acquire(context.Background(), "w")
	require.NoError(t, err)
	defer release()

	errc := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background(), "w")
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	l.Shutdown()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrLockShutdown)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by shutdown")
	}

	_, err = l.Acquire(context.Background(), "other")
	assert.ErrorIs(t, err, ErrLockShutdown)
}

func TestShutdown_AbortsQueuedDelete(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, &stubResource{key: "a"})

	release, err := s.locks.Acquire(context.Background(), WriteLockName)
	require.NoError(t, err)
	defer release()

	errc := make(chan error, 1)
	go func() { errc <- s.DeleteLastBackup(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	s.Shutdown()
	assert.ErrorIs(t, <-errc, ErrLockShutdown)
}
