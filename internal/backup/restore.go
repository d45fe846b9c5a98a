package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/basekick-labs/keepsake/internal/archive"
	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/basekick-labs/keepsake/internal/encryption"
	"github.com/basekick-labs/keepsake/internal/manifest"
	"github.com/basekick-labs/keepsake/internal/metrics"
	"github.com/basekick-labs/keepsake/internal/snapshot"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	recoveryZipName = "recovery.zip"
	recoveryDirName = "recovery"

	postRecoveryVersion = 1
)

// RecoverOptions controls where and how a recovered profile is created.
type RecoverOptions struct {
	// ProfileName names the new profile. Empty uses the backed-up profile's name.
	ProfileName string
	// Launch starts the application against the new profile when it is ready.
	Launch bool
}

// Launcher starts an application instance against a profile directory.
type Launcher interface {
	Launch(ctx context.Context, profileDir string) error
}

// ExecLauncher launches the application binary with the profile passed as a flag.
type ExecLauncher struct {
	Binary      string
	ProfileFlag string
	Args        []string
	Logger      zerolog.Logger
}

// Launch starts the process and returns without waiting for it to exit.
func (l *ExecLauncher) Launch(ctx context.Context, profileDir string) error {
	if l.Binary == "" {
		return fmt.Errorf("no application binary configured")
	}
	flag := l.ProfileFlag
	if flag == "" {
		flag = "--profile"
	}
	args := append(append([]string{}, l.Args...), flag, profileDir)

	// Not bound to ctx: the launched instance outlives the recovery.
	cmd := exec.Command(l.Binary, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch %s: %w", l.Binary, err)
	}
	l.Logger.Info().Str("binary", l.Binary).Int("pid", cmd.Process.Pid).Str("profile", profileDir).Msg("Launched application")
	go cmd.Wait()
	return nil
}

// postRecoveryFile lists the deferred work recorded by resources during recovery.
type postRecoveryFile struct {
	Version int                       `json:"version"`
	Entries map[string]manifest.Entry `json:"entries"`
}

// RecoverFromBackupArchive creates a new profile from a single-file archive. The
// recovery code is required for encrypted archives; when supplied, the new
// profile also gets a fresh encryption state derived from it. The code slice is
// wiped once it has been moved into the secret store.
func (s *Service) RecoverFromBackupArchive(ctx context.Context, archivePath string, recoveryCode []byte, opts RecoverOptions) (_ *Profile, err error) {
	if !s.recovering.CompareAndSwap(false, true) {
		return nil, ErrRecoveryInProgress
	}
	defer s.recovering.Store(false)
	defer s.recordRecovery(&err)

	s.update(func(st *State) { st.RecoveryInProgress = true })
	defer s.update(func(st *State) { st.RecoveryInProgress = false })

	var secretID string
	if len(recoveryCode) > 0 {
		secretID = s.secrets.Put(recoveryCode)
	}
	defer func() {
		if secretID != "" {
			s.secrets.Delete(secretID)
		}
	}()

	s.logger.Info().Str("archive", archivePath).Msg("Starting recovery from archive")

	// ── 1. Sample ───────────────────────────────────────────────────────
	sample, err := archive.SampleFile(archivePath)
	if err != nil {
		return nil, err
	}
	if sample.Encrypted() && secretID == "" {
		return nil, backuperr.New(backuperr.KindUnauthorized, "archive is encrypted and no recovery code was supplied")
	}

	// ── 2. Unlock ───────────────────────────────────────────────────────
	var (
		cipher   *encryption.ChunkCipher
		newState *encryption.State
	)
	if secretID != "" {
		code, err := s.secrets.Open(secretID)
		if err != nil {
			return nil, fmt.Errorf("failed to open recovery code: %w", err)
		}
		if sample.Encrypted() {
			cipher, err = encryption.OpenArchiveCipher(sample.Header.EncConfig, code.Bytes())
			if err != nil {
				code.Destroy()
				return nil, err
			}
		}
		newState, err = encryption.Initialize(code.String())
		code.Destroy()
		if err != nil {
			return nil, err
		}
	}

	// ── 3. Extract and decompress ───────────────────────────────────────
	if err := os.MkdirAll(s.backupsDir, 0700); err != nil {
		return nil, backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create backups directory")
	}
	zipPath := filepath.Join(s.backupsDir, recoveryZipName)
	recoveryDir := filepath.Join(s.backupsDir, recoveryDirName)
	defer func() {
		if err := os.RemoveAll(recoveryDir); err != nil {
			s.logger.Warn().Err(err).Str("path", recoveryDir).Msg("Failed to remove recovery tree")
		}
	}()

	if err := archive.Extract(ctx, sample, zipPath, archive.ExtractOptions{Cipher: cipher}); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(recoveryDir); err != nil {
		os.Remove(zipPath)
		return nil, backuperr.Wrap(backuperr.KindFileSystem, err, "failed to clear recovery directory")
	}
	err = snapshot.Decompress(ctx, zipPath, recoveryDir)
	if rmErr := os.Remove(zipPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		s.logger.Warn().Err(rmErr).Str("path", zipPath).Msg("Failed to remove recovery zip")
	}
	if err != nil {
		return nil, err
	}

	return s.recoverTree(ctx, recoveryDir, newState, opts)
}

// RecoverFromSnapshotFolder creates a new profile from an uncompressed snapshot
// tree, such as a finalized snapshot directory.
func (s *Service) RecoverFromSnapshotFolder(ctx context.Context, snapshotDir string, opts RecoverOptions) (_ *Profile, err error) {
	if !s.recovering.CompareAndSwap(false, true) {
		return nil, ErrRecoveryInProgress
	}
	defer s.recovering.Store(false)
	defer s.recordRecovery(&err)

	s.update(func(st *State) { st.RecoveryInProgress = true })
	defer s.update(func(st *State) { st.RecoveryInProgress = false })

	s.logger.Info().Str("snapshot", snapshotDir).Msg("Starting recovery from snapshot folder")
	return s.recoverTree(ctx, snapshotDir, nil, opts)
}

func (s *Service) recordRecovery(errp *error) {
	m := metrics.Get()
	m.IncRecoveries()
	if *errp != nil {
		m.IncRecoveriesFailed()
		s.logger.Error().Err(*errp).Str("kind", string(backuperr.KindOf(*errp))).Msg("Recovery failed")
		return
	}
	m.IncRecoveriesSuccess()
}

func (s *Service) recoverTree(ctx context.Context, treeDir string, newState *encryption.State, opts RecoverOptions) (*Profile, error) {
	// ── 4. Manifest ─────────────────────────────────────────────────────
	m, err := manifest.Read(treeDir)
	if err != nil {
		return nil, err
	}
	if err := manifest.CheckCompatibility(m, s.cfg.AppName, s.cfg.AppVersion); err != nil {
		return nil, err
	}

	// ── 5. New profile ──────────────────────────────────────────────────
	name := opts.ProfileName
	if name == "" {
		name = m.Meta.ProfileName
	}
	profileDir, err := s.createProfileDir(name)
	if err != nil {
		return nil, err
	}
	profile := &Profile{
		Name:      filepath.Base(profileDir),
		Dir:       profileDir,
		Manifest:  m,
		Encrypted: newState != nil,
	}

	// ── 6. Resources ────────────────────────────────────────────────────
	post := make(map[string]manifest.Entry)
	for _, key := range m.Keys() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, ok := s.registry.Get(key)
		if !ok {
			s.logger.Warn().Str("resource", key).Msg("Backup contains unknown resource, skipping")
			continue
		}
		if manifest.IsNull(m.Resources[key]) {
			s.logger.Debug().Str("resource", key).Msg("Resource has nothing to recover, skipping")
			continue
		}
		entry, err := r.Recover(ctx, m.Resources[key], filepath.Join(treeDir, key), profileDir)
		if err != nil {
			s.logger.Warn().Err(err).Str("resource", key).Msg("Resource recovery failed")
			continue
		}
		profile.Recovered = append(profile.Recovered, key)
		if entry != nil && !manifest.IsNull(entry) {
			post[key] = entry
		}
	}

	// ── 7. Client id ────────────────────────────────────────────────────
	if err := copyIfExists(
		filepath.Join(s.cfg.ProfileDir, LegacyClientIDFileName),
		filepath.Join(profileDir, LegacyClientIDFileName),
	); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to copy client id into recovered profile")
	}

	// ── 8. Encryption state ─────────────────────────────────────────────
	newBackupsDir := filepath.Join(profileDir, BackupsDirName)
	if newState != nil {
		if err := encryption.WriteStateFile(filepath.Join(newBackupsDir, encryption.StateFileName), newState); err != nil {
			return nil, backuperr.Wrap(backuperr.KindFileSystem, err, "failed to write encryption state")
		}
	}

	// ── 9. Post-recovery work ───────────────────────────────────────────
	if len(post) > 0 {
		if err := writePostRecovery(filepath.Join(newBackupsDir, PostRecoveryFileName), post); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("profile", profileDir).
		Strs("recovered", profile.Recovered).
		Bool("encrypted", profile.Encrypted).
		Msg("Recovery completed")

	// ── 10. Launch ──────────────────────────────────────────────────────
	if opts.Launch {
		if s.cfg.Launcher == nil {
			s.logger.Warn().Msg("Launch requested but no launcher configured")
		} else if err := s.cfg.Launcher.Launch(ctx, profileDir); err != nil {
			s.logger.Error().Err(err).Str("profile", profileDir).Msg("Failed to launch recovered profile")
		}
	}

	return profile, nil
}

// createProfileDir creates <ProfilesRoot>/<salt>.<name> with a fresh salt.
func (s *Service) createProfileDir(name string) (string, error) {
	if err := os.MkdirAll(s.cfg.ProfilesRoot, 0755); err != nil {
		return "", backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create profiles root")
	}
	base := safeName(name, "recovered")

	var lastErr error
	for i := 0; i < 5; i++ {
		dir := filepath.Join(s.cfg.ProfilesRoot, uuid.NewString()[:8]+"."+base)
		err := os.Mkdir(dir, 0700)
		if err == nil {
			return dir, nil
		}
		lastErr = err
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	return "", backuperr.Wrap(backuperr.KindFileSystem, lastErr, "failed to create profile directory")
}

func writePostRecovery(path string, entries map[string]manifest.Entry) error {
	data, err := json.MarshalIndent(postRecoveryFile{Version: postRecoveryVersion, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal post-recovery file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create backups directory")
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to write post-recovery file")
	}
	return nil
}

// RunPostRecovery consumes the profile's post-recovery file, if any. Each entry is
// handed to its resource; the file is deleted whatever the outcome.
func (s *Service) RunPostRecovery(ctx context.Context) error {
	path := filepath.Join(s.backupsDir, PostRecoveryFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to read post-recovery file")
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to delete post-recovery file")
		}
	}()

	var f postRecoveryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return backuperr.Wrap(backuperr.KindCorruptedArchive, err, "invalid post-recovery file")
	}
	if f.Version > postRecoveryVersion {
		return backuperr.New(backuperr.KindUnsupportedBackupVersion,
			"post-recovery file version %d is newer than supported version %d", f.Version, postRecoveryVersion)
	}

	keys := make([]string, 0, len(f.Entries))
	for k := range f.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, ok := s.registry.Get(key)
		if !ok {
			s.logger.Warn().Str("resource", key).Msg("Post-recovery entry for unknown resource, skipping")
			continue
		}
		if err := r.PostRecovery(ctx, f.Entries[key]); err != nil {
			s.logger.Warn().Err(err).Str("resource", key).Msg("Post-recovery failed")
			continue
		}
		s.logger.Info().Str("resource", key).Msg("Post-recovery completed")
	}
	return nil
}

func copyIfExists(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
