package snapshot

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// DefaultCompressionLevel is used when no level is configured.
const DefaultCompressionLevel = flate.DefaultCompression

// ValidCompressionLevel reports whether level is accepted by Compress.
func ValidCompressionLevel(level int) bool {
	return level >= flate.HuffmanOnly && level <= flate.BestCompression
}

// Compress writes srcDir into a new ZIP file at zipPath. The tree is walked
// depth-first; directories get their own entries and files are deflated at level.
// On failure the partial ZIP file is removed.
func Compress(ctx context.Context, srcDir, zipPath string, level int) (err error) {
	if !ValidCompressionLevel(level) {
		return fmt.Errorf("invalid compression level %d", level)
	}

	f, err := os.OpenFile(zipPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create %s", zipPath)
	}
	defer func() {
		if err != nil {
			os.Remove(zipPath)
		}
	}()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			hdr, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			hdr.Method = zip.Store
			_, err = zw.CreateHeader(hdr)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addFile(zw, path, name, info)
	})
	if walkErr != nil {
		zw.Close()
		f.Close()
		return backuperr.Wrap(backuperr.KindFileSystem, walkErr, "failed to compress %s", srcDir)
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to finish ZIP")
	}
	if err := f.Close(); err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to close ZIP")
	}
	return nil
}

func addFile(zw *zip.Writer, path, name string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}

// Decompress extracts zipPath into destDir, recreating its directory tree.
// Entries that would land outside destDir are rejected.
func Decompress(ctx context.Context, zipPath, destDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return backuperr.Wrap(backuperr.KindCorruptedArchive, err, "failed to open snapshot container")
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0700); err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create %s", destDir)
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to resolve %s", destDir)
	}

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := entryPath(root, zf.Name)
		if err != nil {
			return err
		}

		mode := zf.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(zf.Name, "/"):
			if err := os.MkdirAll(target, 0700); err != nil {
				return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create %s", target)
			}
		case mode.IsRegular():
			if err := extractFile(zf, target); err != nil {
				return err
			}
		default:
			return backuperr.New(backuperr.KindCorruptedArchive, "unsupported entry type for %q", zf.Name)
		}
	}
	return nil
}

func entryPath(root, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", backuperr.New(backuperr.KindCorruptedArchive, "invalid entry name %q", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", backuperr.New(backuperr.KindCorruptedArchive, "entry %q escapes destination", name)
	}
	return target, nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create %s", filepath.Dir(target))
	}
	rc, err := zf.Open()
	if err != nil {
		return backuperr.Wrap(backuperr.KindCorruptedArchive, err, "failed to open entry %q", zf.Name)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create %s", target)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return backuperr.Wrap(backuperr.KindCorruptedArchive, err, "failed to extract entry %q", zf.Name)
	}
	if err := out.Close(); err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to write %s", target)
	}
	return nil
}
