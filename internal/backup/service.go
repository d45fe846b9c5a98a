package backup

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/keepsake/internal/archive"
	"github.com/basekick-labs/keepsake/internal/encryption"
	"github.com/basekick-labs/keepsake/internal/mirror"
	"github.com/basekick-labs/keepsake/internal/resource"
	"github.com/basekick-labs/keepsake/internal/secrets"
	"github.com/basekick-labs/keepsake/internal/snapshot"
	"github.com/rs/zerolog"
)

const (
	// BackupsDirName is the directory under the profile holding backup state.
	BackupsDirName = "backups"

	// PostRecoveryFileName is the deferred post-recovery work file.
	PostRecoveryFileName = "post-recovery.json"

	// LegacyClientIDFileName is the telemetry client-id state file carried into
	// recovered profiles.
	LegacyClientIDFileName = "client-id.json"

	// WriteLockName is the named lock shared by backup and delete-last-backup.
	WriteLockName = "keepsake-backup-write"

	defaultArchiveFileName = "Backup"
)

// ErrRecoveryInProgress is returned when a recovery is started while another runs.
var ErrRecoveryInProgress = errors.New("a recovery is already in progress")

// ServiceConfig holds configuration for creating a backup service.
type ServiceConfig struct {
	ProfileDir  string
	ProfileName string
	// ProfilesRoot is where recovered profiles are created. Defaults to the
	// parent of ProfileDir.
	ProfilesRoot string

	AppName    string
	AppVersion string
	BuildID    string

	MachineName    string
	OSName         string
	OSVersion      string
	ProfileGroupID string

	// Destination tiers, tried in order: Destination, DocumentsDir, HomeDir.
	Destination  string
	DocumentsDir string
	HomeDir      string

	// ArchiveFileName is the leading part of archive file names.
	ArchiveFileName  string
	CompressionLevel int
	ChunkSize        int
	Template         *template.Template
	SupportURL       string
	DownloadURL      string

	Registry *resource.Registry
	Mirror   mirror.Backend
	Launcher Launcher
	Secrets  *secrets.Store
	Locks    *LockManager

	Logger zerolog.Logger
	Now    func() time.Time
}

// Service sequences backups and recoveries for one profile and owns the
// observable State.
type Service struct {
	cfg        ServiceConfig
	backupsDir string
	registry   *resource.Registry
	gate       *encryption.Gate
	stager     *snapshot.Stager
	locks      *LockManager
	secrets    *secrets.Store
	mirror     mirror.Backend
	now        func() time.Time
	logger     zerolog.Logger

	backingUp  atomic.Bool
	recovering atomic.Bool
	encMu      sync.Mutex

	notifyMu    sync.Mutex
	mu          sync.Mutex
	state       State
	lastPath    string
	observers   map[int]func(State)
	nextObserve int
}

// NewService creates a backup service. It seeds the last-backup fields from the
// newest archive found in the destination directories.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg.ProfileDir == "" {
		return nil, fmt.Errorf("profile directory is required")
	}
	if cfg.AppName == "" || cfg.AppVersion == "" {
		return nil, fmt.Errorf("application name and version are required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("resource registry is required")
	}

	c := *cfg
	if c.ProfileName == "" {
		c.ProfileName = filepath.Base(c.ProfileDir)
	}
	if c.ProfilesRoot == "" {
		c.ProfilesRoot = filepath.Dir(c.ProfileDir)
	}
	if c.ArchiveFileName == "" {
		c.ArchiveFileName = defaultArchiveFileName
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = archive.DefaultChunkSize
	}
	if !snapshot.ValidCompressionLevel(c.CompressionLevel) {
		return nil, fmt.Errorf("invalid compression level %d", c.CompressionLevel)
	}
	if c.BuildID == "" {
		c.BuildID = "dev"
	}
	if c.MachineName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.MachineName = host
		} else {
			c.MachineName = "unknown"
		}
	}
	if c.OSName == "" {
		c.OSName = runtime.GOOS
	}
	if c.HomeDir == "" {
		c.HomeDir, _ = os.UserHomeDir()
	}
	if c.DocumentsDir == "" && c.HomeDir != "" {
		c.DocumentsDir = filepath.Join(c.HomeDir, "Documents")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Locks == nil {
		c.Locks = NewLockManager()
	}
	if c.Secrets == nil {
		c.Secrets = secrets.NewStore()
	}

	logger := c.Logger.With().Str("component", "backup-service").Logger()
	backupsDir := filepath.Join(c.ProfileDir, BackupsDirName)

	s := &Service{
		cfg:        c,
		backupsDir: backupsDir,
		registry:   c.Registry,
		gate:       encryption.NewGate(filepath.Join(backupsDir, encryption.StateFileName), c.Logger),
		stager: snapshot.NewStager(&snapshot.StagerConfig{
			Root:   filepath.Join(backupsDir, "snapshots"),
			Logger: c.Logger,
			Now:    c.Now,
		}),
		locks:     c.Locks,
		secrets:   c.Secrets,
		mirror:    c.Mirror,
		now:       c.Now,
		logger:    logger,
		observers: make(map[int]func(State)),
	}

	if path, date, ok := s.discoverLastBackup(); ok {
		s.state.LastBackupDate = &date
		s.state.LastBackupFileName = filepath.Base(path)
		s.lastPath = path
		logger.Info().Str("file", s.state.LastBackupFileName).Time("date", date).Msg("Found previous backup")
	}

	return s, nil
}

// BackupsDir returns <profile>/backups.
func (s *Service) BackupsDir() string {
	return s.backupsDir
}

// Gate returns the encryption gate.
func (s *Service) Gate() *encryption.Gate {
	return s.gate
}

// State returns a copy of the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn to receive a copy of the state after every change.
// Observers run synchronously and in order while deliveries are serialized, so
// fn may read State but must not call back into any method that changes it.
func (s *Service) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObserve
	s.nextObserve++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// update applies fn to the state and publishes the result.
func (s *Service) update(fn func(*State)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	fn(&s.state)
	snap := s.state.clone()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	observers := make([]func(State), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		observers = append(observers, s.observers[id])
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(snap.clone())
	}
}

// SetScheduledBackupsEnabled records whether the scheduler may start backups.
func (s *Service) SetScheduledBackupsEnabled(enabled bool) {
	s.update(func(st *State) { st.ScheduledBackupsEnabled = enabled })
}

// LoadEncryptionState loads the encryption state through the gate and mirrors
// its presence into State.
func (s *Service) LoadEncryptionState(ctx context.Context) (*encryption.State, error) {
	st, err := s.gate.Load(ctx)
	if err != nil {
		return nil, err
	}
	enabled := st != nil
	if s.State().EncryptionEnabled != enabled {
		s.update(func(state *State) { state.EncryptionEnabled = enabled })
	}
	return st, nil
}

// SampleArchive reads an archive's JSON block and records it as the last sampled archive.
func (s *Service) SampleArchive(path string) (*archive.Sample, error) {
	sample, err := archive.SampleFile(path)
	if err != nil {
		return nil, err
	}
	info := archiveInfo(sample)
	s.update(func(st *State) { st.LastArchive = info })
	return sample, nil
}

// MeasureResources asks every resource to measure itself. Failures are logged.
func (s *Service) MeasureResources(ctx context.Context) {
	for _, r := range s.registry.ByPriority() {
		if err := r.Measure(ctx, s.cfg.ProfileDir); err != nil {
			s.logger.Warn().Err(err).Str("resource", r.Key()).Msg("Failed to measure resource")
		}
	}
}

// Shutdown fails any operation still waiting for the write lock.
func (s *Service) Shutdown() {
	s.locks.Shutdown()
	s.logger.Info().Msg("Backup service shut down")
}
