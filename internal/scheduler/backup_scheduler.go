package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/basekick-labs/keepsake/internal/backup"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultMinInterval    = time.Hour
	DefaultDebounceWindow = 10 * time.Second
)

// BackupService is the part of backup.Service the scheduler drives.
type BackupService interface {
	State() backup.State
	SetScheduledBackupsEnabled(enabled bool)
	CreateBackup(ctx context.Context) *backup.BackupResult
	DeleteLastBackup(ctx context.Context) error
	Shutdown()
}

// Config holds configuration for the backup scheduler
type Config struct {
	Service BackupService
	// Idle signals when the profile has been quiet. Optional.
	Idle *IdleDetector
	// Enabled is the initial value of State.ScheduledBackupsEnabled.
	Enabled bool
	// MinInterval is the cooldown between scheduled backups.
	MinInterval time.Duration
	// DebounceWindow coalesces data-deleted signals.
	DebounceWindow time.Duration
	// FallbackSchedule is a cron expression that runs the same check as an idle
	// signal, for profiles that never go quiet. Empty disables it.
	FallbackSchedule string
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Scheduler starts backups when the profile is idle and regenerates the
// backup after the user deletes sensitive data.
type Scheduler struct {
	svc         BackupService
	idle        *IdleDetector
	enabled     bool
	minInterval time.Duration
	schedule    string
	now         func() time.Time
	logger      zerolog.Logger

	debouncer *Debouncer
	queue     chan string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastRun    time.Time
	lastReason string
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New creates a backup scheduler.
func New(cfg *Config) (*Scheduler, error) {
	if cfg.FallbackSchedule != "" {
		if _, err := cronParser.Parse(cfg.FallbackSchedule); err != nil {
			return nil, err
		}
	}

	s := &Scheduler{
		svc:         cfg.Service,
		idle:        cfg.Idle,
		enabled:     cfg.Enabled,
		minInterval: cfg.MinInterval,
		schedule:    cfg.FallbackSchedule,
		now:         cfg.Now,
		logger:      cfg.Logger.With().Str("component", "backup-scheduler").Logger(),
		queue:       make(chan string, 1),
	}
	if s.minInterval <= 0 {
		s.minInterval = DefaultMinInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	s.debouncer = NewDebouncer(window, s.regenerate)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.logger.Info().
		Dur("min_interval", s.minInterval).
		Dur("debounce_window", window).
		Str("fallback_schedule", s.schedule).
		Msg("Backup scheduler initialized")

	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Backup scheduler already running")
		return nil
	}

	s.svc.SetScheduledBackupsEnabled(s.enabled)

	if s.schedule != "" {
		s.cron = cron.New(cron.WithParser(cronParser))
		if _, err := s.cron.AddFunc(s.schedule, func() { s.maybeEnqueue("schedule") }); err != nil {
			return err
		}
		s.cron.Start()
	}

	s.wg.Add(1)
	go s.worker()

	if s.idle != nil {
		s.idle.Start()
		s.wg.Add(1)
		go s.watchIdle()
	}

	s.running = true
	s.logger.Info().Bool("enabled", s.enabled).Msg("Backup scheduler started")
	return nil
}

// Stop disarms the debouncer, stops the schedule and idle detector, and shuts
// the service's write lock so queued writes abort. A backup already running is
// cancelled through its context.
func (s *Scheduler) Stop() {
	s.debouncer.Disarm()
	s.svc.Shutdown()
	s.cancel()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if s.idle != nil {
		s.idle.Stop()
	}
	s.wg.Wait()

	s.logger.Info().Msg("Backup scheduler stopped")
}

// SetEnabled turns scheduled backups on or off.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
	s.svc.SetScheduledBackupsEnabled(enabled)
}

// DataDeleted records that the user removed sensitive data. After the debounce
// window the last backup is deleted and, if scheduled backups are enabled, a
// new one is made.
func (s *Scheduler) DataDeleted(reason string) {
	s.logger.Debug().Str("reason", reason).Msg("Data deleted, arming regeneration")
	s.debouncer.Trigger()
}

// TriggerNow queues a backup regardless of the cooldown. It returns false if a
// backup is already queued.
func (s *Scheduler) TriggerNow() bool {
	return s.enqueue("manual")
}

func (s *Scheduler) watchIdle() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.idle.Idle():
			s.maybeEnqueue("idle")
		}
	}
}

// maybeEnqueue queues a backup if scheduled backups are enabled and the cooldown
// since the last backup has elapsed.
func (s *Scheduler) maybeEnqueue(reason string) {
	st := s.svc.State()
	if !st.ScheduledBackupsEnabled {
		s.logger.Debug().Str("reason", reason).Msg("Scheduled backups disabled, skipping")
		return
	}
	if st.LastBackupDate != nil {
		if elapsed := s.now().Sub(*st.LastBackupDate); elapsed < s.minInterval {
			s.logger.Debug().
				Str("reason", reason).
				Dur("since_last", elapsed).
				Msg("Last backup too recent, skipping")
			return
		}
	}
	s.enqueue(reason)
}

// enqueue fills the single queue slot. A pending request absorbs later ones.
func (s *Scheduler) enqueue(reason string) bool {
	select {
	case s.queue <- reason:
		s.logger.Info().Str("reason", reason).Msg("Backup queued")
		return true
	default:
		s.logger.Debug().Str("reason", reason).Msg("Backup already queued")
		return false
	}
}

// worker runs queued backups one at a time.
func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case reason := <-s.queue:
			s.runBackup(reason)
		}
	}
}

func (s *Scheduler) runBackup(reason string) {
	startTime := s.now()
	result := s.svc.CreateBackup(s.ctx)

	s.mu.Lock()
	s.lastRun = startTime
	s.lastReason = reason
	s.mu.Unlock()

	if result == nil {
		s.logger.Warn().Str("reason", reason).Msg("Scheduled backup produced no archive")
		return
	}
	s.logger.Info().
		Str("reason", reason).
		Str("file", result.FileName).
		Dur("duration", result.Duration).
		Msg("Scheduled backup completed")
}

// regenerate is the debounced response to deleted data.
func (s *Scheduler) regenerate() {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.svc.DeleteLastBackup(s.ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete last backup after data deletion")
		return
	}
	if !s.svc.State().ScheduledBackupsEnabled {
		return
	}
	s.enqueue("data-deleted")
}

// Status returns scheduler status
func (s *Scheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":           s.running,
		"enabled":           s.enabled,
		"min_interval":      s.minInterval.String(),
		"fallback_schedule": s.schedule,
		"regenerate_armed":  s.debouncer.Armed(),
		"queued":            len(s.queue) > 0,
	}
	if !s.lastRun.IsZero() {
		status["last_run"] = s.lastRun.Format(time.RFC3339)
		status["last_reason"] = s.lastReason
	}
	if s.running && s.schedule != "" {
		if sched, err := cronParser.Parse(s.schedule); err == nil {
			status["next_run"] = sched.Next(s.now()).Format(time.RFC3339)
		}
	}
	return status
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
