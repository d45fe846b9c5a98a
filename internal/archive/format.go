// Package archive encodes a compressed snapshot into a single self-describing
// HTML file, and decodes it back.
//
// The HTML page carries an inline MIME body inside a comment:
//
//	<!-- Begin inline MIME --
//	Content-Type: multipart/mixed; boundary="..."
//
//	--boundary
//	Content-Type: application/json
//
//	{"version":1,"encConfig":{...},"meta":{...},"byteLength":N,"chunkSize":N}
//	--boundary
//	Content-Type: application/octet-stream
//
//	<base64 chunk>
//	<base64 chunk>
//	--boundary--
//	-->
//
// Each line of the binary part is one chunk of at most chunkSize plaintext
// bytes, encrypted individually when the archive is encrypted.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/basekick-labs/keepsake/internal/encryption"
	"github.com/basekick-labs/keepsake/internal/manifest"
	"github.com/go-playground/validator/v10"
)

const (
	// FormatVersion is the version of the JSON block written by this build.
	FormatVersion = 1

	// DefaultChunkSize is the default maximum plaintext size of one chunk.
	DefaultChunkSize = 1 << 20

	// MaxChunkSize bounds the chunk size accepted from an archive header.
	MaxChunkSize = 64 << 20

	// Extension is the file extension of single-file archives.
	Extension = ".html"

	mimeStart       = "<!-- Begin inline MIME --\n"
	mimeEnd         = "-->\n"
	contentTypeLine = "Content-Type: multipart/mixed"

	jsonContentType   = "application/json"
	binaryContentType = "application/octet-stream"

	// maxHeaderSize bounds the JSON block read while sampling.
	maxHeaderSize = 1 << 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Header is the JSON block of an archive.
type Header struct {
	Version    int                `json:"version" validate:"required,min=1"`
	EncConfig  *encryption.Config `json:"encConfig,omitempty"`
	Meta       manifest.Meta      `json:"meta" validate:"required"`
	ByteLength int64              `json:"byteLength" validate:"min=0"`
	ChunkSize  int                `json:"chunkSize" validate:"required,min=1,max=67108864"`
}

// marshalHeader encodes h with every "--" escaped so the JSON can never
// terminate the surrounding HTML comment.
func marshalHeader(h *Header) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal archive header: %w", err)
	}
	return bytes.ReplaceAll(data, []byte("--"), []byte(`-\u002d`)), nil
}

// parseHeader applies the version gate before decoding the rest of the block.
func parseHeader(data []byte) (*Header, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "archive JSON block is not valid JSON")
	}
	if probe.Version == nil {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "archive JSON block has no version")
	}
	if *probe.Version > FormatVersion {
		return nil, backuperr.New(backuperr.KindUnsupportedBackupVersion,
			"archive version %d is newer than supported version %d", *probe.Version, FormatVersion)
	}

	h := &Header{}
	if err := json.Unmarshal(data, h); err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "failed to decode archive JSON block")
	}
	if err := validate.Struct(h); err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "archive JSON block does not match schema")
	}
	if h.EncConfig != nil {
		if err := h.EncConfig.Validate(); err != nil {
			return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "invalid encryption config")
		}
	}
	return h, nil
}
