package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// LocalBackend mirrors archives into a directory, typically on another disk or a
// synced folder.
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger
}

// NewLocalBackend creates the directory if needed.
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	if basePath == "" {
		return nil, fmt.Errorf("local mirror path is required")
	}
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &LocalBackend{
		basePath: absPath,
		logger:   logger.With().Str("component", "local-mirror").Logger(),
	}, nil
}

// Upload writes r to a temp file in the mirror directory, then renames it into place.
func (b *LocalBackend) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := validName(name); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(b.basePath, ".keepsake-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	written, err := io.Copy(tmpFile, r)
	closeErr := tmpFile.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	if size > 0 && written != size {
		os.Remove(tmpPath)
		return fmt.Errorf("short write: %d of %d bytes", written, size)
	}

	if err := os.Rename(tmpPath, filepath.Join(b.basePath, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	b.logger.Debug().Str("name", name).Int64("size", written).Msg("Mirrored archive")
	return nil
}

// Download copies the named file to w.
func (b *LocalBackend) Download(ctx context.Context, name string, w io.Writer) error {
	if err := validName(name); err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(b.basePath, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("file not found: %s", name)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to copy file data: %w", err)
	}
	return nil
}

// List returns the regular, non-hidden files whose name starts with prefix.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.basePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named file.
func (b *LocalBackend) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(b.basePath, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	b.logger.Debug().Str("name", name).Msg("Deleted mirrored archive")
	return nil
}

// Close is a no-op.
func (b *LocalBackend) Close() error {
	return nil
}

// Type returns "local".
func (b *LocalBackend) Type() string {
	return "local"
}

// BasePath returns the mirror directory.
func (b *LocalBackend) BasePath() string {
	return b.basePath
}
