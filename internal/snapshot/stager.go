// Package snapshot manages the on-disk staging tree a backup is assembled in,
// and converts finalized snapshots to and from ZIP containers.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/rs/zerolog"
)

// StagingDirName is the name of the transient staging directory.
const StagingDirName = "staging"

// NameLayout formats a finalized snapshot directory name: UTC, colons replaced
// by dashes, no fractional seconds.
const NameLayout = "2006-01-02T15-04-05Z"

var namePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}Z$`)

// IsSnapshotName reports whether name looks like a finalized snapshot directory.
func IsSnapshotName(name string) bool {
	return namePattern.MatchString(name)
}

// StagerConfig holds configuration for a Stager.
type StagerConfig struct {
	// Root is the snapshots directory, normally <profile>/backups/snapshots.
	Root   string
	Logger zerolog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stager owns the staging directory under Root.
type Stager struct {
	root   string
	now    func() time.Time
	logger zerolog.Logger
}

// NewStager creates a stager.
func NewStager(cfg *StagerConfig) *Stager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Stager{
		root:   cfg.Root,
		now:    now,
		logger: cfg.Logger.With().Str("component", "staging").Logger(),
	}
}

// Root returns the snapshots directory.
func (s *Stager) Root() string {
	return s.root
}

// StagingPath returns the staging directory path.
func (s *Stager) StagingPath() string {
	return filepath.Join(s.root, StagingDirName)
}

// Prepare destroys any leftover staging tree and creates a fresh empty one.
func (s *Stager) Prepare() (string, error) {
	staging := s.StagingPath()

	if _, err := os.Stat(staging); err == nil {
		s.logger.Warn().Str("path", staging).Msg("Found leftover staging directory, removing")
	}
	if err := os.RemoveAll(staging); err != nil {
		return "", backuperr.Wrap(backuperr.KindFileSystem, err, "failed to remove staging directory")
	}
	if err := os.MkdirAll(staging, 0700); err != nil {
		return "", backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create staging directory")
	}
	return staging, nil
}

// Finalize renames the staging directory to a timestamp-named sibling and purges
// every other timestamp-named sibling. It returns "" with no error when there is
// no staging directory.
func (s *Stager) Finalize() (string, error) {
	staging := s.StagingPath()
	if _, err := os.Stat(staging); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Str("path", staging).Msg("No staging directory to finalize")
			return "", nil
		}
		return "", backuperr.Wrap(backuperr.KindFileSystem, err, "failed to stat staging directory")
	}

	name := s.now().UTC().Format(NameLayout)
	target := filepath.Join(s.root, name)

	// A snapshot finalized in the same second is replaced.
	if err := os.RemoveAll(target); err != nil {
		return "", backuperr.Wrap(backuperr.KindFileSystem, err, "failed to clear snapshot %s", name)
	}
	if err := os.Rename(staging, target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", backuperr.Wrap(backuperr.KindFileSystem, err, "failed to finalize snapshot")
	}

	if err := s.purgeExcept(name); err != nil {
		return "", err
	}

	s.logger.Debug().Str("snapshot", name).Msg("Staging directory finalized")
	return target, nil
}

func (s *Stager) purgeExcept(keep string) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to list snapshots")
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep || !IsSnapshotName(e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to purge snapshot %s", e.Name())
		}
		s.logger.Debug().Str("snapshot", e.Name()).Msg("Purged old snapshot")
	}
	return nil
}

// Remove deletes a finalized snapshot directory. Errors are returned for logging.
func (s *Stager) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove snapshot %s: %w", path, err)
	}
	return nil
}
