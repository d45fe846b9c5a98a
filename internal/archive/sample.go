package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"strings"

	"github.com/basekick-labs/keepsake/internal/backuperr"
)

// scanLimit bounds how far into the file the MIME start is searched for.
const scanLimit = 1 << 20

// Sample is what can be learned about an archive without decoding its binary part.
type Sample struct {
	Path string `json:"path"`
	// StartOffset is the byte offset of the multipart Content-Type line.
	StartOffset int64 `json:"startOffset"`
	// BodyOffset is the byte offset where the multipart body begins.
	BodyOffset  int64   `json:"bodyOffset"`
	ContentType string  `json:"contentType"`
	Boundary    string  `json:"-"`
	Size        int64   `json:"size"`
	Header      *Header `json:"header"`
}

// Encrypted reports whether the archive needs a recovery code to extract.
func (s *Sample) Encrypted() bool {
	return s.Header != nil && s.Header.EncConfig != nil
}

// SampleFile locates the inline MIME body of the archive at path and parses its
// JSON block only.
func SampleFile(path string) (*Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, backuperr.Wrap(backuperr.KindFileSystem, err, "archive %s does not exist", path)
		}
		return nil, backuperr.Wrap(backuperr.KindFileSystem, err, "failed to open archive")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindFileSystem, err, "failed to stat archive")
	}

	s, err := locate(f)
	if err != nil {
		return nil, err
	}
	s.Path = path
	s.Size = info.Size()

	mr := multipart.NewReader(io.NewSectionReader(f, s.BodyOffset, s.Size-s.BodyOffset), s.Boundary)
	part, err := mr.NextPart()
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "archive has no JSON block")
	}
	if ct := part.Header.Get("Content-Type"); ct != jsonContentType {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "first archive part is %q, not %s", ct, jsonContentType)
	}
	data, err := io.ReadAll(io.LimitReader(part, maxHeaderSize+1))
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "failed to read archive JSON block")
	}
	if len(data) > maxHeaderSize {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "archive JSON block exceeds %d bytes", maxHeaderSize)
	}

	if s.Header, err = parseHeader(data); err != nil {
		return nil, err
	}
	return s, nil
}

// locate scans line by line for the inline MIME marker and the multipart
// Content-Type line that follows it.
func locate(r io.Reader) (*Sample, error) {
	br := bufio.NewReader(io.LimitReader(r, scanLimit))
	marker := strings.TrimSuffix(mimeStart, "\n")

	var offset int64
	found := false
	for {
		line, err := br.ReadString('\n')
		offset += int64(len(line))
		if strings.TrimRight(line, "\r\n") == marker {
			found = true
			break
		}
		if err != nil {
			break
		}
	}
	if !found {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "no inline MIME body found")
	}

	start := offset
	ctLine, err := br.ReadString('\n')
	if err != nil {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "truncated MIME header")
	}
	offset += int64(len(ctLine))

	name, value, ok := strings.Cut(strings.TrimRight(ctLine, "\r\n"), ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Type") {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "inline MIME body has no Content-Type")
	}
	mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(value))
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "invalid MIME Content-Type")
	}
	if mediaType != "multipart/mixed" || params["boundary"] == "" {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "unexpected MIME type %q", mediaType)
	}

	blank, err := br.ReadString('\n')
	if err != nil || strings.TrimRight(blank, "\r\n") != "" {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "malformed MIME header")
	}
	offset += int64(len(blank))

	return &Sample{
		StartOffset: start,
		BodyOffset:  offset,
		ContentType: mediaType,
		Boundary:    params["boundary"],
	}, nil
}

func (s *Sample) String() string {
	return fmt.Sprintf("%s (version %d, %d bytes, encrypted=%t)", s.Path, s.Header.Version, s.Header.ByteLength, s.Encrypted())
}
