package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basekick-labs/keepsake/internal/backup"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService records calls made by the scheduler.
type fakeService struct {
	mu       sync.Mutex
	state    backup.State
	backups  int
	deletes  int
	shutdown bool
	calls    []string
}

func (f *fakeService) State() backup.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeService) SetScheduledBackupsEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.ScheduledBackupsEnabled = enabled
}

func (f *fakeService) CreateBackup(ctx context.Context) *backup.BackupResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups++
	f.calls = append(f.calls, "backup")
	now := time.Now()
	f.state.LastBackupDate = &now
	return &backup.BackupResult{FileName: "Backup_default_20260504-1230.html", Date: now}
}

func (f *fakeService) DeleteLastBackup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	f.calls = append(f.calls, "delete")
	f.state.LastBackupDate = nil
	return nil
}

func (f *fakeService) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func (f *fakeService) counts() (backups, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backups, f.deletes
}

func TestDebouncer_CoalescesBurst(t *testing.T) {
	var runs atomic.Int32
	d := NewDebouncer(50*time.Millisecond, func() { runs.Add(1) })

	d.Trigger()
	time.Sleep(10 * time.Millisecond)
	d.Trigger()
	time.Sleep(10 * time.Millisecond)
	d.Trigger()
	assert.True(t, d.Armed())

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, d.Armed())
}

func TestDebouncer_Disarm(t *testing.T) {
	var runs atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func() { runs.Add(1) })

	d.Trigger()
	d.Disarm()
	assert.False(t, d.Armed())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}

func TestIdleDetector_TouchDelaysIdle(t *testing.T) {
	d, err := NewIdleDetector(&IdleConfig{Threshold: 80 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		d.Touch()
		select {
		case <-d.Idle():
			t.Fatal("idle fired during activity")
		case <-time.After(20 * time.Millisecond):
		}
	}

	select {
	case <-d.Idle():
	case <-time.After(time.Second):
		t.Fatal("idle did not fire after activity stopped")
	}

	// Once per quiet period.
	select {
	case <-d.Idle():
		t.Fatal("idle fired twice without activity")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestIdleDetector_WatchesDirectory(t *testing.T) {
	dir := t.TempDir()
	ignored := filepath.Join(dir, "backups")
	d, err := NewIdleDetector(&IdleConfig{
		Dir:       dir,
		Threshold: 100 * time.Millisecond,
		Ignore:    []string{ignored},
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.True(t, d.ignored(filepath.Join(ignored, "enc-state.json")))
	assert.True(t, d.ignored(ignored))
	assert.False(t, d.ignored(filepath.Join(dir, "prefs.js")))

	d.Start()
	defer d.Stop()

	// Idle once, then activity re-arms it.
	select {
	case <-d.Idle():
	case <-time.After(time.Second):
		t.Fatal("initial idle did not fire")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prefs.js"), []byte("x"), 0600))
	select {
	case <-d.Idle():
	case <-time.After(time.Second):
		t.Fatal("idle did not fire after file activity")
	}
}

func newTestScheduler(t *testing.T, svc *fakeService, idle *IdleDetector) *Scheduler {
	t.Helper()
	s, err := New(&Config{
		Service:        svc,
		Idle:           idle,
		Enabled:        true,
		MinInterval:    time.Hour,
		DebounceWindow: 50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func TestScheduler_DataDeletedBurstRunsOneCycle(t *testing.T) {
	svc := &fakeService{}
	s := newTestScheduler(t, svc, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	s.DataDeleted("history-cleared")
	time.Sleep(10 * time.Millisecond)
	s.DataDeleted("logins-removed")
	time.Sleep(10 * time.Millisecond)
	s.DataDeleted("permission-revoked")

	assert.Eventually(t, func() bool {
		b, d := svc.counts()
		return b == 1 && d == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	b, d := svc.counts()
	assert.Equal(t, 1, b)
	assert.Equal(t, 1, d)
	svc.mu.Lock()
	assert.Equal(t, []string{"delete", "backup"}, svc.calls)
	svc.mu.Unlock()
}

func TestScheduler_DataDeletedWhileDisabledOnlyDeletes(t *testing.T) {
	svc := &fakeService{}
	s := newTestScheduler(t, svc, nil)
	require.NoError(t, s.Start())
	defer s.Stop()
	s.SetEnabled(false)

	s.DataDeleted("history-cleared")
	assert.Eventually(t, func() bool {
		_, d := svc.counts()
		return d == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	b, _ := svc.counts()
	assert.Equal(t, 0, b)
}

func TestScheduler_IdleRespectsCooldown(t *testing.T) {
	svc := &fakeService{}
	idle, err := NewIdleDetector(&IdleConfig{Threshold: 30 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)
	s := newTestScheduler(t, svc, idle)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		b, _ := svc.counts()
		return b == 1
	}, time.Second, 10*time.Millisecond)

	// The next quiet period falls inside the cooldown.
	idle.Touch()
	time.Sleep(150 * time.Millisecond)
	b, _ := svc.counts()
	assert.Equal(t, 1, b)
}

func TestScheduler_MaybeEnqueue(t *testing.T) {
	svc := &fakeService{}
	s := newTestScheduler(t, svc, nil)

	// Disabled.
	s.maybeEnqueue("test")
	assert.Len(t, s.queue, 0)

	svc.SetScheduledBackupsEnabled(true)
	recent := time.Now().Add(-time.Minute)
	svc.state.LastBackupDate = &recent
	s.maybeEnqueue("test")
	assert.Len(t, s.queue, 0)

	old := time.Now().Add(-2 * time.Hour)
	svc.state.LastBackupDate = &old
	s.maybeEnqueue("test")
	assert.Len(t, s.queue, 1)

	// The single slot absorbs further requests.
	assert.False(t, s.TriggerNow())
	assert.Len(t, s.queue, 1)
}

func TestScheduler_StopShutsDownService(t *testing.T) {
	svc := &fakeService{}
	s := newTestScheduler(t, svc, nil)
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	s.DataDeleted("history-cleared")
	s.Stop()

	assert.False(t, s.IsRunning())
	assert.False(t, s.debouncer.Armed())
	svc.mu.Lock()
	assert.True(t, svc.shutdown)
	svc.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	_, d := svc.counts()
	assert.Equal(t, 0, d)
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&Config{Service: &fakeService{}, FallbackSchedule: "not a schedule", Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestScheduler_Status(t *testing.T) {
	s, err := New(&Config{
		Service:          &fakeService{},
		FallbackSchedule: "0 */6 * * *",
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	status := s.Status()
	assert.Equal(t, true, status["running"])
	assert.Equal(t, "0 */6 * * *", status["fallback_schedule"])
	assert.Contains(t, status, "next_run")
}
