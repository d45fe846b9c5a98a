package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/basekick-labs/keepsake/internal/manifest"
	"github.com/rs/zerolog"
)

// FileSetConfig holds configuration for a FileSetResource.
type FileSetConfig struct {
	Key                string
	Priority           int
	RequiresEncryption bool
	// Files are profile-relative paths. Missing files are skipped.
	Files  []string
	Logger zerolog.Logger
}

// FileSetResource copies a fixed list of profile files.
type FileSetResource struct {
	key       string
	priority  int
	sensitive bool
	files     []string
	logger    zerolog.Logger
}

type fileSetEntry struct {
	Files []string `json:"files"`
}

// NewFileSetResource validates cfg and creates the resource.
func NewFileSetResource(cfg *FileSetConfig) (*FileSetResource, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("file set resource requires a key")
	}
	files := make([]string, 0, len(cfg.Files))
	for _, f := range cfg.Files {
		clean, err := cleanRelPath(f)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", cfg.Key, err)
		}
		files = append(files, filepath.ToSlash(clean))
	}
	return &FileSetResource{
		key:       cfg.Key,
		priority:  cfg.Priority,
		sensitive: cfg.RequiresEncryption,
		files:     files,
		logger:    cfg.Logger.With().Str("component", "resource").Str("resource", cfg.Key).Logger(),
	}, nil
}

func (r *FileSetResource) Key() string              { return r.key }
func (r *FileSetResource) Priority() int            { return r.priority }
func (r *FileSetResource) RequiresEncryption() bool { return r.sensitive }

// Backup copies every existing listed file into stagingDir.
func (r *FileSetResource) Backup(ctx context.Context, stagingDir, profileDir string, encrypted bool) (manifest.Entry, error) {
	var copied []string
	for _, rel := range r.files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := filepath.Join(profileDir, filepath.FromSlash(rel))
		if !fileExists(src) {
			r.logger.Debug().Str("file", rel).Msg("File not present, skipping")
			continue
		}
		n, err := copyFile(src, filepath.Join(stagingDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		r.logger.Debug().Str("file", rel).Int64("bytes", n).Msg("File staged")
		copied = append(copied, rel)
	}

	if len(copied) == 0 {
		return manifest.NullEntry, nil
	}
	return manifest.ObjectEntry(fileSetEntry{Files: copied})
}

// Recover copies the files named in entry from recoveryDir into newProfileDir.
func (r *FileSetResource) Recover(ctx context.Context, entry manifest.Entry, recoveryDir, newProfileDir string) (manifest.Entry, error) {
	if manifest.IsNull(entry) {
		return nil, nil
	}
	var e fileSetEntry
	if err := json.Unmarshal(entry, &e); err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "invalid %s entry", r.key)
	}

	for _, f := range e.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := cleanRelPath(f)
		if err != nil {
			return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "invalid %s entry", r.key)
		}
		if _, err := copyFile(filepath.Join(recoveryDir, rel), filepath.Join(newProfileDir, rel)); err != nil {
			return nil, fmt.Errorf("failed to restore %s: %w", f, err)
		}
	}

	r.logger.Info().Int("files", len(e.Files)).Msg("Resource recovered")
	return nil, nil
}

// Measure logs the total size of the listed files.
func (r *FileSetResource) Measure(ctx context.Context, profileDir string) error {
	var total int64
	var present int
	for _, rel := range r.files {
		info, err := os.Stat(filepath.Join(profileDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		total += info.Size()
		present++
	}
	r.logger.Info().Int("files", present).Int64("bytes", total).Msg("Resource measured")
	return nil
}

// PostRecovery is a no-op; file sets need no deferred work.
func (r *FileSetResource) PostRecovery(ctx context.Context, entry manifest.Entry) error {
	return nil
}
