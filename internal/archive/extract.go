package archive

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime/multipart"
	"os"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/basekick-labs/keepsake/internal/encryption"
	"golang.org/x/sync/errgroup"
)

// DefaultReadSize is the size of the fragments the source stage reads.
const DefaultReadSize = 64 * 1024

// pipelineDepth is the capacity of the channels between stages.
const pipelineDepth = 4

// ExtractOptions controls a full extraction.
type ExtractOptions struct {
	// Cipher decrypts an encrypted archive. Required when the sample reports encryption.
	Cipher *encryption.ChunkCipher
	// ReadSize is the source fragment size. Zero uses DefaultReadSize.
	ReadSize int
}

// Extract decodes the binary part of a sampled archive into destPath. It runs a
// source, transform and sink stage concurrently; a failure in any stage stops the
// others and leaves no file at destPath.
func Extract(ctx context.Context, s *Sample, destPath string, opts ExtractOptions) (err error) {
	if s == nil || s.Header == nil {
		return backuperr.New(backuperr.KindCorruptedArchive, "archive was not sampled")
	}
	cipher := opts.Cipher
	if s.Encrypted() && cipher == nil {
		return backuperr.New(backuperr.KindUnauthorized, "archive is encrypted and no cipher was supplied")
	}
	if !s.Encrypted() {
		cipher = nil
	}
	readSize := opts.ReadSize
	if readSize <= 0 {
		readSize = DefaultReadSize
	}

	defer func() {
		if err != nil {
			os.Remove(destPath)
		}
	}()

	frags := make(chan []byte, pipelineDepth)
	blocks := make(chan []byte, pipelineDepth)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runSource(gctx, s, readSize, frags)
	})
	g.Go(func() error {
		return runTransform(gctx, s.Header.ChunkSize, cipher, frags, blocks)
	})
	g.Go(func() error {
		return runSink(gctx, destPath, s.Header.ByteLength, cipher, blocks)
	})

	return g.Wait()
}

// runSource sends fragments of the binary part and stops reading once that part
// ends. out is closed only on success so downstream stages never mistake a
// failure for end of stream.
func runSource(ctx context.Context, s *Sample, readSize int, out chan<- []byte) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to open archive")
	}
	defer f.Close()

	mr := multipart.NewReader(io.NewSectionReader(f, s.BodyOffset, s.Size-s.BodyOffset), s.Boundary)
	var part *multipart.Part
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return backuperr.New(backuperr.KindCorruptedArchive, "archive has no binary block")
		}
		if err != nil {
			return backuperr.Wrap(backuperr.KindCorruptedArchive, err, "failed to read archive body")
		}
		if p.Header.Get("Content-Type") == binaryContentType {
			part = p
			break
		}
	}

	for {
		buf := make([]byte, readSize)
		n, err := part.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) {
			close(out)
			return nil
		}
		if err != nil {
			return backuperr.Wrap(backuperr.KindCorruptedArchive, err, "failed to read archive binary block")
		}
	}
}

// runTransform turns fragments into decoded, decrypted blocks. One line is held
// back so the final one can be flagged to the cipher.
func runTransform(ctx context.Context, chunkSize int, cipher *encryption.ChunkCipher, in <-chan []byte, out chan<- []byte) error {
	maxLine := base64.StdEncoding.EncodedLen(chunkSize+encryption.Overhead) + 2
	splitter := NewLineSplitter(maxLine)

	var held []byte
	holding := false

	emit := func(line []byte, last bool) error {
		block, err := decodeLine(line, cipher, last)
		if err != nil {
			return err
		}
		select {
		case out <- block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	take := func(lines [][]byte) error {
		for _, line := range lines {
			if holding {
				if err := emit(held, false); err != nil {
					return err
				}
			}
			held, holding = line, true
		}
		return nil
	}

	for {
		select {
		case frag, ok := <-in:
			if !ok {
				if rest := splitter.Flush(); rest != nil {
					if err := take([][]byte{rest}); err != nil {
						return err
					}
				}
				if holding {
					if err := emit(held, true); err != nil {
						return err
					}
				}
				close(out)
				return nil
			}
			lines, err := splitter.Push(frag)
			if err != nil {
				return err
			}
			if err := take(lines); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decodeLine(line []byte, cipher *encryption.ChunkCipher, last bool) ([]byte, error) {
	block, err := base64.StdEncoding.AppendDecode(nil, line)
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "invalid base64 chunk")
	}
	if cipher == nil {
		return block, nil
	}
	return cipher.Decrypt(block, last)
}

// runSink writes blocks to destPath, opening it on the first block. On close it
// checks that the cipher finished and that the byte count matches the header.
// Any failure removes the partial file.
func runSink(ctx context.Context, destPath string, byteLength int64, cipher *encryption.ChunkCipher, in <-chan []byte) (err error) {
	var f *os.File
	var written int64
	defer func() {
		if err != nil {
			if f != nil {
				f.Close()
			}
			os.Remove(destPath)
		}
	}()

	open := func() error {
		if f != nil {
			return nil
		}
		var err error
		f, err = os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to create %s", destPath)
		}
		return nil
	}

	for {
		select {
		case block, ok := <-in:
			if !ok {
				if err := open(); err != nil {
					return err
				}
				if cipher != nil && !cipher.IsDone() {
					return backuperr.New(backuperr.KindCorruptedArchive, "archive ended before its final chunk")
				}
				if written != byteLength {
					return backuperr.New(backuperr.KindCorruptedArchive,
						"archive decoded to %d bytes, expected %d", written, byteLength)
				}
				if err := f.Close(); err != nil {
					return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to close %s", destPath)
				}
				return nil
			}
			if err := open(); err != nil {
				return err
			}
			n, err := f.Write(block)
			written += int64(n)
			if err != nil {
				return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to write %s", destPath)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
