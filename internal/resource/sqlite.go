package resource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/basekick-labs/keepsake/internal/manifest"
	"github.com/rs/zerolog"
)

// SQLiteConfig holds configuration for a SQLiteResource.
type SQLiteConfig struct {
	Key                string
	Priority           int
	RequiresEncryption bool
	// Databases are profile-relative paths to SQLite files.
	Databases []string
	Logger    zerolog.Logger
}

// SQLiteResource backs up SQLite databases after flushing their WAL, and checks
// their integrity once the recovered profile is first started.
type SQLiteResource struct {
	key       string
	priority  int
	sensitive bool
	databases []string
	logger    zerolog.Logger
}

type sqliteEntry struct {
	Databases []string `json:"databases"`
}

type sqlitePostRecovery struct {
	Paths []string `json:"paths"`
}

// NewSQLiteResource validates cfg and creates the resource.
func NewSQLiteResource(cfg *SQLiteConfig) (*SQLiteResource, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("sqlite resource requires a key")
	}
	dbs := make([]string, 0, len(cfg.Databases))
	for _, d := range cfg.Databases {
		clean, err := cleanRelPath(d)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", cfg.Key, err)
		}
		dbs = append(dbs, filepath.ToSlash(clean))
	}
	return &SQLiteResource{
		key:       cfg.Key,
		priority:  cfg.Priority,
		sensitive: cfg.RequiresEncryption,
		databases: dbs,
		logger:    cfg.Logger.With().Str("component", "resource").Str("resource", cfg.Key).Logger(),
	}, nil
}

func (r *SQLiteResource) Key() string              { return r.key }
func (r *SQLiteResource) Priority() int            { return r.priority }
func (r *SQLiteResource) RequiresEncryption() bool { return r.sensitive }

// Backup checkpoints and copies every existing database into stagingDir.
func (r *SQLiteResource) Backup(ctx context.Context, stagingDir, profileDir string, encrypted bool) (manifest.Entry, error) {
	var copied []string
	for _, rel := range r.databases {
		src := filepath.Join(profileDir, filepath.FromSlash(rel))
		if !fileExists(src) {
			r.logger.Debug().Str("database", rel).Msg("Database not present, skipping")
			continue
		}

		// Checkpoint WAL so the main file holds every committed page.
		if err := checkpoint(ctx, src); err != nil {
			return nil, err
		}

		n, err := copyFile(src, filepath.Join(stagingDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to copy database %s: %w", rel, err)
		}
		r.logger.Debug().Str("database", rel).Int64("bytes", n).Msg("Database staged")
		copied = append(copied, rel)
	}

	if len(copied) == 0 {
		return manifest.NullEntry, nil
	}
	return manifest.ObjectEntry(sqliteEntry{Databases: copied})
}

// Recover copies the databases into newProfileDir and returns the restored paths
// for the post-recovery integrity check.
func (r *SQLiteResource) Recover(ctx context.Context, entry manifest.Entry, recoveryDir, newProfileDir string) (manifest.Entry, error) {
	if manifest.IsNull(entry) {
		return nil, nil
	}
	var e sqliteEntry
	if err := json.Unmarshal(entry, &e); err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "invalid %s entry", r.key)
	}

	post := sqlitePostRecovery{}
	for _, d := range e.Databases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := cleanRelPath(d)
		if err != nil {
			return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "invalid %s entry", r.key)
		}
		dst := filepath.Join(newProfileDir, rel)
		if _, err := copyFile(filepath.Join(recoveryDir, rel), dst); err != nil {
			return nil, fmt.Errorf("failed to restore database %s: %w", d, err)
		}
		post.Paths = append(post.Paths, dst)
	}

	r.logger.Info().Int("databases", len(post.Paths)).Msg("Resource recovered")
	if len(post.Paths) == 0 {
		return nil, nil
	}
	return manifest.ObjectEntry(post)
}

// Measure logs the total on-disk size of the databases including WAL files.
func (r *SQLiteResource) Measure(ctx context.Context, profileDir string) error {
	var total int64
	for _, rel := range r.databases {
		base := filepath.Join(profileDir, filepath.FromSlash(rel))
		for _, p := range []string{base, base + "-wal"} {
			if info, err := os.Stat(p); err == nil {
				total += info.Size()
			}
		}
	}
	r.logger.Info().Int("databases", len(r.databases)).Int64("bytes", total).Msg("Resource measured")
	return nil
}

// PostRecovery runs an integrity check on every restored database.
func (r *SQLiteResource) PostRecovery(ctx context.Context, entry manifest.Entry) error {
	if manifest.IsNull(entry) || len(entry) == 0 {
		return nil
	}
	var post sqlitePostRecovery
	if err := json.Unmarshal(entry, &post); err != nil {
		return fmt.Errorf("invalid post-recovery entry: %w", err)
	}

	var errs []error
	for _, p := range post.Paths {
		if err := integrityCheck(ctx, p); err != nil {
			r.logger.Warn().Err(err).Str("database", p).Msg("Restored database failed integrity check")
			errs = append(errs, err)
			continue
		}
		r.logger.Debug().Str("database", p).Msg("Restored database passed integrity check")
	}
	return errors.Join(errs...)
}

func checkpoint(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open SQLite for checkpoint: %w", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}
	return nil
}

func integrityCheck(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed for %s: %w", path, err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", path, result)
	}
	return nil
}
