package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/basekick-labs/keepsake/internal/archive"
	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/basekick-labs/keepsake/internal/encryption"
	"github.com/basekick-labs/keepsake/internal/manifest"
	"github.com/basekick-labs/keepsake/internal/metrics"
	"github.com/basekick-labs/keepsake/internal/snapshot"
	"github.com/google/uuid"
)

const (
	// archiveDateLayout is the timestamp suffix of archive file names.
	archiveDateLayout = "20060102-1504"

	compressedSnapshotName = "snapshot.zip"
)

// ArchiveFileName returns the destination file name for a backup taken at t.
func (s *Service) ArchiveFileName(t time.Time) string {
	return fmt.Sprintf("%s_%s_%s.html", s.cfg.ArchiveFileName, s.fileProfileName(), t.Format(archiveDateLayout))
}

// fileProfileName is the profile name as it appears in archive file names.
func (s *Service) fileProfileName() string {
	return safeName(s.cfg.ProfileName, "profile")
}

// safeName reduces name to a single path element, or fallback when nothing usable remains.
func safeName(name, fallback string) string {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == string(filepath.Separator) || base == ".." {
		return fallback
	}
	return base
}

// archivePattern matches every archive name this profile produces.
func (s *Service) archivePattern() *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(s.cfg.ArchiveFileName+"_"+s.fileProfileName()+"_") +
		`\d{8}-\d{4}\.html$`)
}

// CreateBackup runs one backup. It returns nil when a backup is already running
// or when the backup failed; failures are logged, never returned.
func (s *Service) CreateBackup(ctx context.Context) *BackupResult {
	m := metrics.Get()
	if !s.backingUp.CompareAndSwap(false, true) {
		s.logger.Info().Msg("Backup already in progress, skipping")
		m.IncBackupsSkipped()
		return nil
	}
	defer s.backingUp.Store(false)

	release, err := s.locks.Acquire(ctx, WriteLockName)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to acquire backup lock")
		return nil
	}
	defer release()

	s.update(func(st *State) { st.BackupInProgress = true })
	defer s.update(func(st *State) { st.BackupInProgress = false })

	m.IncBackups()
	result, err := s.createBackup(ctx)
	if err != nil {
		m.IncBackupsFailed()
		s.logger.Error().Err(err).Str("kind", string(backuperr.KindOf(err))).Msg("Backup failed")
		return nil
	}
	m.RecordBackup(result.Size, result.Duration, result.Date)
	return result
}

func (s *Service) createBackup(ctx context.Context) (*BackupResult, error) {
	start := s.now()
	s.logger.Info().Str("profile", s.cfg.ProfileName).Msg("Starting backup")

	// ── 1. Resolve destination ──────────────────────────────────────────
	destDir, err := s.resolveDestination()
	if err != nil {
		return nil, err
	}

	// ── 2. Manifest skeleton and staging ────────────────────────────────
	meta := s.meta(start)
	m := manifest.New(meta)
	stagingDir, err := s.stager.Prepare()
	if err != nil {
		return nil, err
	}

	// ── 3. Encryption state ─────────────────────────────────────────────
	encState, err := s.LoadEncryptionState(ctx)
	if err != nil {
		return nil, err
	}
	encrypted := encState != nil

	// ── 4. Resources ────────────────────────────────────────────────────
	for _, r := range s.registry.ByPriority() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := r.Key()
		if r.RequiresEncryption() && !encrypted {
			s.logger.Debug().Str("resource", key).Msg("Resource requires encryption, skipping")
			continue
		}
		resourceDir := filepath.Join(stagingDir, key)
		if err := os.MkdirAll(resourceDir, 0700); err != nil {
			s.logger.Warn().Err(err).Str("resource", key).Msg("Failed to create resource directory")
			continue
		}

		entry, err := r.Backup(ctx, resourceDir, s.cfg.ProfileDir, encrypted)
		if err != nil {
			s.logger.Warn().Err(err).Str("resource", key).Msg("Resource backup failed")
			metrics.Get().IncResourceFailures()
			os.RemoveAll(resourceDir)
			continue
		}
		if entry == nil {
			s.logger.Error().Str("resource", key).Msg("Resource returned no manifest entry, expected an object or null")
			os.RemoveAll(resourceDir)
			continue
		}
		m.Resources[key] = entry
		// Removes the directory only when the resource left it empty.
		os.Remove(resourceDir)
	}

	// ── 5. Validate manifest ────────────────────────────────────────────
	if err := m.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("Manifest failed validation, writing backup anyway")
	}

	// ── 6. Write manifest and finalize staging ──────────────────────────
	if err := manifest.Write(stagingDir, m); err != nil {
		return nil, backuperr.Wrap(backuperr.KindFileSystem, err, "failed to write manifest")
	}
	snapshotDir, err := s.stager.Finalize()
	if err != nil {
		return nil, err
	}
	if snapshotDir == "" {
		return nil, backuperr.New(backuperr.KindFileSystem, "staging directory disappeared before finalize")
	}

	// ── 7. Compress ─────────────────────────────────────────────────────
	zipPath := filepath.Join(s.backupsDir, compressedSnapshotName)
	err = snapshot.Compress(ctx, snapshotDir, zipPath, s.cfg.CompressionLevel)
	if rmErr := s.stager.Remove(snapshotDir); rmErr != nil {
		s.logger.Warn().Err(rmErr).Str("path", snapshotDir).Msg("Failed to remove finalized snapshot")
	}
	if err != nil {
		return nil, err
	}

	// ── 8. Encode archive to a temporary file ───────────────────────────
	fileName := s.ArchiveFileName(start)
	finalPath := filepath.Join(destDir, fileName)
	tmpPath := filepath.Join(destDir, fmt.Sprintf(".%s.%s.tmp", fileName, uuid.NewString()))

	err = s.encode(ctx, zipPath, tmpPath, meta, encState)
	if rmErr := os.Remove(zipPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		s.logger.Warn().Err(rmErr).Str("path", zipPath).Msg("Failed to remove compressed snapshot")
	}
	if err != nil {
		return nil, err
	}

	// ── 9. Place archive and purge older ones ───────────────────────────
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, backuperr.Wrap(backuperr.KindFileSystem, err, "failed to move archive into place")
	}
	s.purgeArchives(destDir, fileName)

	// ── 10. Mirror ──────────────────────────────────────────────────────
	s.mirrorArchive(ctx, finalPath, fileName)

	// ── 11. Record ──────────────────────────────────────────────────────
	result := &BackupResult{
		Path:      finalPath,
		FileName:  fileName,
		Date:      start,
		Encrypted: encrypted,
		Manifest:  m,
		Duration:  s.now().Sub(start),
	}
	sample, err := archive.SampleFile(finalPath)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", finalPath).Msg("Failed to sample new archive")
	} else {
		result.Size = sample.Size
	}

	s.mu.Lock()
	s.lastPath = finalPath
	s.mu.Unlock()
	s.update(func(st *State) {
		date := start
		st.LastBackupDate = &date
		st.LastBackupFileName = fileName
		if sample != nil {
			st.LastArchive = archiveInfo(sample)
		}
	})

	s.logger.Info().
		Str("path", finalPath).
		Bool("encrypted", encrypted).
		Int("resources", len(m.Resources)).
		Int64("size", result.Size).
		Dur("duration", result.Duration).
		Msg("Backup completed")
	return result, nil
}

func (s *Service) encode(ctx context.Context, zipPath, destPath string, meta manifest.Meta, encState *encryption.State) error {
	opts := archive.EncodeOptions{
		SourcePath: zipPath,
		DestPath:   destPath,
		Template:   s.cfg.Template,
		Page:       archive.DefaultPage(meta, encState != nil, s.cfg.SupportURL, s.cfg.DownloadURL),
		Meta:       meta,
		ChunkSize:  s.cfg.ChunkSize,
	}
	if encState != nil {
		cipher, encCfg, err := encState.NewArchiveCipher()
		if err != nil {
			return fmt.Errorf("failed to create archive cipher: %w", err)
		}
		opts.Cipher = cipher
		opts.EncConfig = encCfg
	}
	return archive.Encode(ctx, opts)
}

// resolveDestination returns the first destination tier that exists or can be created.
func (s *Service) resolveDestination() (string, error) {
	var lastErr error
	for _, dir := range s.destinationTiers() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			s.logger.Warn().Err(err).Str("dir", dir).Msg("Backup destination unavailable, trying next")
			lastErr = err
			continue
		}
		return dir, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no destination configured")
	}
	return "", backuperr.Wrap(backuperr.KindFileSystem, lastErr, "no usable backup destination")
}

func (s *Service) destinationTiers() []string {
	var tiers []string
	seen := make(map[string]bool)
	for _, dir := range []string{s.cfg.Destination, s.cfg.DocumentsDir, s.cfg.HomeDir} {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		tiers = append(tiers, dir)
	}
	return tiers
}

// purgeArchives deletes this profile's archives in dir other than keep.
func (s *Service) purgeArchives(dir, keep string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to list old archives")
		return
	}
	pattern := s.archivePattern()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == keep || !pattern.MatchString(name) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Failed to delete old archive")
			continue
		}
		s.logger.Debug().Str("file", name).Msg("Deleted old archive")
	}
}

// mirrorArchive uploads the archive to the mirror backend and deletes older
// mirrored archives. Failures are logged only.
func (s *Service) mirrorArchive(ctx context.Context, path, fileName string) {
	if s.mirror == nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to open archive for mirroring")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stat archive for mirroring")
		return
	}
	m := metrics.Get()
	m.IncMirrorUploads()
	if err := s.mirror.Upload(ctx, fileName, f, info.Size()); err != nil {
		m.IncMirrorUploadsFailed()
		s.logger.Warn().Err(err).Str("backend", s.mirror.Type()).Msg("Failed to mirror archive")
		return
	}
	m.IncMirrorBytes(info.Size())

	names, err := s.mirror.List(ctx, s.cfg.ArchiveFileName+"_"+s.fileProfileName()+"_")
	if err != nil {
		s.logger.Warn().Err(err).Str("backend", s.mirror.Type()).Msg("Failed to list mirrored archives")
		return
	}
	pattern := s.archivePattern()
	for _, name := range names {
		if name == fileName || !pattern.MatchString(name) {
			continue
		}
		if err := s.mirror.Delete(ctx, name); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Failed to delete mirrored archive")
		}
	}
	s.logger.Info().Str("backend", s.mirror.Type()).Str("file", fileName).Msg("Archive mirrored")
}

// DeleteLastBackup removes the most recent archive and clears the last-backup
// fields. It shares the write lock with CreateBackup.
func (s *Service) DeleteLastBackup(ctx context.Context) error {
	release, err := s.locks.Acquire(ctx, WriteLockName)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	path := s.lastPath
	s.mu.Unlock()

	if path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to delete last backup")
		}
		if s.mirror != nil {
			if err := s.mirror.Delete(ctx, filepath.Base(path)); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to delete mirrored archive")
			}
		}
		metrics.Get().IncBackupsDeleted()
		s.logger.Info().Str("path", path).Msg("Deleted last backup")
	}

	s.mu.Lock()
	s.lastPath = ""
	s.mu.Unlock()
	s.update(func(st *State) {
		st.LastBackupDate = nil
		st.LastBackupFileName = ""
	})
	return nil
}

// discoverLastBackup finds the newest archive of this profile across the
// destination tiers.
func (s *Service) discoverLastBackup() (string, time.Time, bool) {
	pattern := s.archivePattern()
	var (
		bestPath string
		bestDate time.Time
	)
	for _, dir := range s.destinationTiers() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !pattern.MatchString(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if bestPath == "" || info.ModTime().After(bestDate) {
				bestPath = filepath.Join(dir, e.Name())
				bestDate = info.ModTime()
			}
		}
	}
	return bestPath, bestDate, bestPath != ""
}

// meta describes this profile and machine for a backup taken at t.
func (s *Service) meta(t time.Time) manifest.Meta {
	return manifest.Meta{
		Date:           t.UTC(),
		AppName:        s.cfg.AppName,
		AppVersion:     s.cfg.AppVersion,
		BuildID:        s.cfg.BuildID,
		ProfileName:    s.cfg.ProfileName,
		MachineName:    s.cfg.MachineName,
		OSName:         s.cfg.OSName,
		OSVersion:      s.cfg.OSVersion,
		LegacyClientID: s.legacyClientID(),
		ProfileGroupID: s.cfg.ProfileGroupID,
	}
}

type legacyClientIDFile struct {
	ClientID string `json:"clientID"`
}

// legacyClientID reads the telemetry client id, if the profile has one.
func (s *Service) legacyClientID() string {
	data, err := os.ReadFile(filepath.Join(s.cfg.ProfileDir, LegacyClientIDFileName))
	if err != nil {
		return ""
	}
	var f legacyClientIDFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Debug().Err(err).Msg("Ignoring unreadable client id file")
		return ""
	}
	if _, err := uuid.Parse(f.ClientID); err != nil {
		return ""
	}
	return f.ClientID
}
