package archive

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/basekick-labs/keepsake/internal/encryption"
	"github.com/basekick-labs/keepsake/internal/manifest"
)

// EncodeOptions describes one archive to write.
type EncodeOptions struct {
	// SourcePath is the compressed snapshot to embed.
	SourcePath string
	// DestPath is the archive file to create.
	DestPath string
	// Template renders the page around the payload. Nil uses DefaultTemplate.
	Template *template.Template
	Page     Page
	Meta     manifest.Meta
	// Cipher and EncConfig are both set for encrypted archives, both nil otherwise.
	Cipher    *encryption.ChunkCipher
	EncConfig *encryption.Config
	// ChunkSize is the maximum plaintext size per line. Zero uses DefaultChunkSize.
	ChunkSize int
}

// Encode writes the single-file archive at opts.DestPath. On failure no file is
// left at DestPath.
func Encode(ctx context.Context, opts EncodeOptions) (err error) {
	if (opts.Cipher == nil) != (opts.EncConfig == nil) {
		return fmt.Errorf("cipher and encryption config must be supplied together")
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 || chunkSize > MaxChunkSize {
		return fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	tmpl := opts.Template
	if tmpl == nil {
		if tmpl, err = DefaultTemplate(); err != nil {
			return err
		}
	}
	head, tail, err := render(tmpl, opts.Page)
	if err != nil {
		return err
	}

	src, err := os.Open(opts.SourcePath)
	if err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to open %s", opts.SourcePath)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to stat %s", opts.SourcePath)
	}

	header, err := marshalHeader(&Header{
		Version:    FormatVersion,
		EncConfig:  opts.EncConfig,
		Meta:       opts.Meta,
		ByteLength: info.Size(),
		ChunkSize:  chunkSize,
	})
	if err != nil {
		return err
	}

	dst, err := os.OpenFile(opts.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create %s", opts.DestPath)
	}
	defer func() {
		if err != nil {
			dst.Close()
			os.Remove(opts.DestPath)
		}
	}()

	w := bufio.NewWriterSize(dst, 256*1024)

	// ── 1. Page head ────────────────────────────────────────────────────
	if _, err = w.Write(head); err != nil {
		return writeErr(err)
	}
	// The MIME marker must start its own line.
	if len(head) > 0 && head[len(head)-1] != '\n' {
		if err = w.WriteByte('\n'); err != nil {
			return writeErr(err)
		}
	}
	if _, err = io.WriteString(w, mimeStart); err != nil {
		return writeErr(err)
	}

	// ── 2. JSON block ───────────────────────────────────────────────────
	mw := multipart.NewWriter(w)
	if _, err = fmt.Fprintf(w, "%s; boundary=%q\r\n\r\n", contentTypeLine, mw.Boundary()); err != nil {
		return writeErr(err)
	}
	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {jsonContentType}})
	if err != nil {
		return writeErr(err)
	}
	if _, err = part.Write(header); err != nil {
		return writeErr(err)
	}

	// ── 3. Binary block ─────────────────────────────────────────────────
	part, err = mw.CreatePart(textproto.MIMEHeader{"Content-Type": {binaryContentType}})
	if err != nil {
		return writeErr(err)
	}
	if err = writeChunks(ctx, part, src, chunkSize, opts.Cipher); err != nil {
		return err
	}
	if err = mw.Close(); err != nil {
		return writeErr(err)
	}

	// ── 4. Page tail ────────────────────────────────────────────────────
	if _, err = io.WriteString(w, mimeEnd); err != nil {
		return writeErr(err)
	}
	if _, err = w.Write(tail); err != nil {
		return writeErr(err)
	}
	if err = w.Flush(); err != nil {
		return writeErr(err)
	}
	if err = dst.Close(); err != nil {
		return writeErr(err)
	}
	return nil
}

// writeChunks streams r as base64 lines of at most chunkSize plaintext bytes.
// One chunk of lookahead tells which chunk is the last.
func writeChunks(ctx context.Context, w io.Writer, r io.Reader, chunkSize int, cipher *encryption.ChunkCipher) error {
	cur, err := readChunk(r, chunkSize)
	if err != nil {
		return err
	}
	line := make([]byte, 0, base64.StdEncoding.EncodedLen(chunkSize+encryption.Overhead)+1)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := readChunk(r, chunkSize)
		if err != nil {
			return err
		}
		last := len(next) == 0

		block := cur
		if cipher != nil {
			if block, err = cipher.Encrypt(cur, last); err != nil {
				return fmt.Errorf("failed to encrypt chunk: %w", err)
			}
		}
		line = base64.StdEncoding.AppendEncode(line[:0], block)
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return writeErr(err)
		}

		if last {
			return nil
		}
		cur = next
	}
}

func readChunk(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, backuperr.Wrap(backuperr.KindFileSystem, err, "failed to read snapshot")
	}
	return buf[:n], nil
}

func writeErr(err error) error {
	return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to write archive")
}
