package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/basekick-labs/keepsake/internal/encryption"
	"github.com/basekick-labs/keepsake/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta() manifest.Meta {
	return manifest.Meta{
		Date:        time.Date(2026, 5, 4, 12, 30, 0, 0, time.UTC),
		AppName:     "keepsake",
		AppVersion:  "1.0.0",
		BuildID:     "20260504123000",
		ProfileName: "default",
		MachineName: "laptop",
		OSName:      "linux",
	}
}

func writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "snapshot.zip")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path, data
}

func encodeArchive(t *testing.T, src string, chunkSize int, state *encryption.State) string {
	t.Helper()
	opts := EncodeOptions{
		SourcePath: src,
		DestPath:   filepath.Join(t.TempDir(), "backup.html"),
		Page:       DefaultPage(testMeta(), state != nil, "https://example.com/support", ""),
		Meta:       testMeta(),
		ChunkSize:  chunkSize,
	}
	if state != nil {
		cipher, cfg, err := state.NewArchiveCipher()
		require.NoError(t, err)
		opts.Cipher = cipher
		opts.EncConfig = cfg
	}
	require.NoError(t, Encode(context.Background(), opts))
	return opts.DestPath
}

func TestRoundTrip_Unencrypted(t *testing.T) {
	for _, size := range []int{0, 1, 999, 1000, 1001, 10_500} {
		src, want := writeSource(t, size)
		archivePath := encodeArchive(t, src, 1000, nil)

		s, err := SampleFile(archivePath)
		require.NoError(t, err)
		assert.False(t, s.Encrypted())
		assert.Equal(t, int64(size), s.Header.ByteLength)
		assert.Equal(t, "multipart/mixed", s.ContentType)

		dest := filepath.Join(t.TempDir(), "out.zip")
		require.NoError(t, Extract(context.Background(), s, dest, ExtractOptions{}))
		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "size %d", size)
	}
}

func TestRoundTrip_Encrypted(t *testing.T) {
	state, err := encryption.Initialize("recovery password")
	require.NoError(t, err)

	src, want := writeSource(t, 5_321)
	archivePath := encodeArchive(t, src, 1024, state)

	s, err := SampleFile(archivePath)
	require.NoError(t, err)
	require.True(t, s.Encrypted())

	err = Extract(context.Background(), s, filepath.Join(t.TempDir(), "x"), ExtractOptions{})
	assert.True(t, backuperr.Is(err, backuperr.KindUnauthorized))

	cipher, err := encryption.OpenArchiveCipher(s.Header.EncConfig, []byte("recovery password"))
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, Extract(context.Background(), s, dest, ExtractOptions{Cipher: cipher}))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got))
}

func TestExtract_ReadSizeIndependence(t *testing.T) {
	state, err := encryption.Initialize("recovery password")
	require.NoError(t, err)
	src, want := writeSource(t, 20_000)
	archivePath := encodeArchive(t, src, 4096, state)

	s, err := SampleFile(archivePath)
	require.NoError(t, err)

	for _, readSize := range []int{1, 7, 100, 5461, 1 << 20} {
		cipher, err := encryption.OpenArchiveCipher(s.Header.EncConfig, []byte("recovery password"))
		require.NoError(t, err)
		dest := filepath.Join(t.TempDir(), "out.zip")
		require.NoError(t, Extract(context.Background(), s, dest, ExtractOptions{Cipher: cipher, ReadSize: readSize}))
		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "read size %d", readSize)
	}
}

// dropLastChunk removes the final base64 line from the binary part but keeps
// the closing boundary intact.
func dropLastChunk(t *testing.T, archivePath string) {
	t.Helper()
	s, err := SampleFile(archivePath)
	require.NoError(t, err)
	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	end := bytes.LastIndex(data, []byte("\r\n--"+s.Boundary+"--"))
	require.Positive(t, end)
	prev := bytes.LastIndexByte(data[:end-1], '\n')
	require.Positive(t, prev)

	truncated := append(append([]byte{}, data[:prev+1]...), data[end:]...)
	require.NoError(t, os.WriteFile(archivePath, truncated, 0600))
}

func TestExtract_TruncatedArchive(t *testing.T) {
	state, err := encryption.Initialize("recovery password")
	require.NoError(t, err)

	for _, st := range []*encryption.State{nil, state} {
		src, _ := writeSource(t, 3_500)
		archivePath := encodeArchive(t, src, 1000, st)
		dropLastChunk(t, archivePath)

		s, err := SampleFile(archivePath)
		require.NoError(t, err)
		opts := ExtractOptions{}
		if st != nil {
			opts.Cipher, err = encryption.OpenArchiveCipher(s.Header.EncConfig, []byte("recovery password"))
			require.NoError(t, err)
		}

		dest := filepath.Join(t.TempDir(), "out.zip")
		err = Extract(context.Background(), s, dest, opts)
		assert.True(t, backuperr.Is(err, backuperr.KindCorruptedArchive), "got %v", err)
		_, statErr := os.Stat(dest)
		assert.True(t, os.IsNotExist(statErr))
	}
}

func TestExtract_MissingClosingBoundary(t *testing.T) {
	src, _ := writeSource(t, 2_000)
	archivePath := encodeArchive(t, src, 1000, nil)
	s, err := SampleFile(archivePath)
	require.NoError(t, err)

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	end := bytes.LastIndex(data, []byte("\r\n--"+s.Boundary+"--"))
	require.NoError(t, os.WriteFile(archivePath, data[:end], 0600))

	s, err = SampleFile(archivePath)
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "out.zip")
	err = Extract(context.Background(), s, dest, ExtractOptions{})
	assert.True(t, backuperr.Is(err, backuperr.KindCorruptedArchive))
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSample_VersionGate(t *testing.T) {
	src, _ := writeSource(t, 100)
	archivePath := encodeArchive(t, src, 1000, nil)

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	require.True(t, bytes.Contains(data, []byte(`{"version":1,`)))
	data = bytes.Replace(data, []byte(`{"version":1,`), []byte(`{"version":99,`), 1)
	require.NoError(t, os.WriteFile(archivePath, data, 0600))

	_, err = SampleFile(archivePath)
	assert.True(t, backuperr.Is(err, backuperr.KindUnsupportedBackupVersion))
}

func TestSample_NotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<html><body>hello</body></html>\n"), 0600))
	_, err := SampleFile(path)
	assert.True(t, backuperr.Is(err, backuperr.KindCorruptedArchive))
}

func TestSample_MissingJSONBlock(t *testing.T) {
	body := strings.Join([]string{
		"<html>",
		"<!-- Begin inline MIME --",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: application/octet-stream",
		"",
		"aGVsbG8=",
		"--b1--",
		"-->",
		"</html>",
	}, "\r\n")
	path := filepath.Join(t.TempDir(), "backup.html")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	_, err := SampleFile(path)
	assert.True(t, backuperr.Is(err, backuperr.KindCorruptedArchive))
}

func TestSample_SchemaViolation(t *testing.T) {
	src, _ := writeSource(t, 100)
	archivePath := encodeArchive(t, src, 1000, nil)

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte(`"chunkSize":1000`), []byte(`"chunkSize":0`), 1)
	require.NoError(t, os.WriteFile(archivePath, data, 0600))

	_, err = SampleFile(archivePath)
	assert.True(t, backuperr.Is(err, backuperr.KindCorruptedArchive))
}

func TestEncode_EscapesCommentTerminators(t *testing.T) {
	src, _ := writeSource(t, 10)
	meta := testMeta()
	meta.ProfileName = "work-->profile"

	dest := filepath.Join(t.TempDir(), "backup.html")
	require.NoError(t, Encode(context.Background(), EncodeOptions{
		SourcePath: src,
		DestPath:   dest,
		Page:       DefaultPage(meta, false, "", ""),
		Meta:       meta,
	}))

	s, err := SampleFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "work-->profile", s.Header.Meta.ProfileName)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	comment := data[s.StartOffset:]
	assert.Equal(t, 1, bytes.Count(comment, []byte("-->")), "only the closing marker may end the comment")
}

func TestEncode_TemplateWithoutPayload(t *testing.T) {
	tmplPath := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(tmplPath, []byte("<html>{{.Title}}</html>"), 0600))
	tmpl, err := LoadTemplate(tmplPath)
	require.NoError(t, err)

	src, _ := writeSource(t, 10)
	dest := filepath.Join(t.TempDir(), "backup.html")
	err = Encode(context.Background(), EncodeOptions{SourcePath: src, DestPath: dest, Template: tmpl, Meta: testMeta()})
	assert.Error(t, err)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEncode_TemplateHeadTooLarge(t *testing.T) {
	tmplPath := filepath.Join(t.TempDir(), "page.html")
	page := "<html><p>" + strings.Repeat("A", scanLimit) + "</p>{{.Payload}}</html>"
	require.NoError(t, os.WriteFile(tmplPath, []byte(page), 0600))
	tmpl, err := LoadTemplate(tmplPath)
	require.NoError(t, err)

	src, _ := writeSource(t, 10)
	dest := filepath.Join(t.TempDir(), "backup.html")
	err = Encode(context.Background(), EncodeOptions{SourcePath: src, DestPath: dest, Template: tmpl, Meta: testMeta()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before the payload")
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEncode_LargeTemplateHeadStillSamples(t *testing.T) {
	tmplPath := filepath.Join(t.TempDir(), "page.html")
	page := "<html><p>" + strings.Repeat("x", maxHeadSize-100) + "</p>{{.Payload}}</html>"
	require.NoError(t, os.WriteFile(tmplPath, []byte(page), 0600))
	tmpl, err := LoadTemplate(tmplPath)
	require.NoError(t, err)

	src, _ := writeSource(t, 10)
	dest := filepath.Join(t.TempDir(), "backup.html")
	require.NoError(t, Encode(context.Background(), EncodeOptions{SourcePath: src, DestPath: dest, Template: tmpl, Meta: testMeta()}))

	s, err := SampleFile(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.Header.ByteLength)
}
