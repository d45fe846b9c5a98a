package mirror

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	b, err := New(&Config{Backend: "none"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = New(&Config{Backend: "ftp"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "mirror")
	b, err := New(&Config{Backend: "local", LocalPath: dir}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, b)
	defer b.Close()
	assert.Equal(t, "local", b.Type())

	content := "<html>archive</html>"
	require.NoError(t, b.Upload(ctx, "Backup_default_20260101-1000.html", strings.NewReader(content), int64(len(content))))
	require.NoError(t, b.Upload(ctx, "Backup_default_20260101-1100.html", strings.NewReader(content), int64(len(content))))
	require.NoError(t, b.Upload(ctx, "Other_default_20260101-1100.html", strings.NewReader(content), int64(len(content))))

	// Temp files from interrupted uploads are hidden.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".keepsake-1.tmp"), nil, 0600))

	names, err := b.List(ctx, "Backup_default_")
	require.NoError(t, err)
	assert.Equal(t, []string{"Backup_default_20260101-1000.html", "Backup_default_20260101-1100.html"}, names)

	var buf bytes.Buffer
	require.NoError(t, b.Download(ctx, "Backup_default_20260101-1100.html", &buf))
	assert.Equal(t, content, buf.String())

	require.NoError(t, b.Delete(ctx, "Backup_default_20260101-1000.html"))
	require.NoError(t, b.Delete(ctx, "Backup_default_20260101-1000.html"))
	names, err = b.List(ctx, "Backup_")
	require.NoError(t, err)
	assert.Equal(t, []string{"Backup_default_20260101-1100.html"}, names)
}

func TestLocalBackend_RejectsPaths(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, b.Upload(context.Background(), "../escape.html", strings.NewReader("x"), 1))
	assert.Error(t, b.Delete(context.Background(), "a/b.html"))
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "name.html", joinKey("", "name.html"))
	assert.Equal(t, "backups/name.html", joinKey("backups/", "name.html"))
	assert.Equal(t, "backups/", joinKey("backups", ""))
}
