package resource

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/basekick-labs/keepsake/internal/manifest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func newFileSet(t *testing.T, key string, priority int, files ...string) *FileSetResource {
	t.Helper()
	r, err := NewFileSetResource(&FileSetConfig{Key: key, Priority: priority, Files: files, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return r
}

func TestRegistry(t *testing.T) {
	low := newFileSet(t, "low", 1)
	high := newFileSet(t, "high", 10)
	midB := newFileSet(t, "mid-b", 5)
	midA := newFileSet(t, "mid-a", 5)

	reg, err := NewRegistry(low, high, midB, midA)
	require.NoError(t, err)
	assert.Equal(t, 4, reg.Len())
	assert.Equal(t, []string{"high", "low", "mid-a", "mid-b"}, reg.Keys())

	var order []string
	for _, r := range reg.ByPriority() {
		order = append(order, r.Key())
	}
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, order)

	got, ok := reg.Get("mid-a")
	require.True(t, ok)
	assert.Same(t, midA, got)

	_, err = NewRegistry(low, newFileSet(t, "low", 3))
	assert.Error(t, err)
}

func TestNewFileSetResource_RejectsEscapingPaths(t *testing.T) {
	_, err := NewFileSetResource(&FileSetConfig{Key: "x", Files: []string{"../etc/passwd"}, Logger: zerolog.Nop()})
	assert.Error(t, err)
	_, err = NewFileSetResource(&FileSetConfig{Key: "x", Files: []string{"/etc/passwd"}, Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestFileSetResource_BackupRecover(t *testing.T) {
	ctx := context.Background()
	profile := t.TempDir()
	writeFile(t, filepath.Join(profile, "prefs.js"), "user_pref(1)")
	writeFile(t, filepath.Join(profile, "sub", "handlers.json"), "{}")

	r := newFileSet(t, "preferences", 1, "prefs.js", "sub/handlers.json", "missing.txt")

	staging := t.TempDir()
	entry, err := r.Backup(ctx, staging, profile, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"files":["prefs.js","sub/handlers.json"]}`, string(entry))

	newProfile := t.TempDir()
	post, err := r.Recover(ctx, entry, staging, newProfile)
	require.NoError(t, err)
	assert.Nil(t, post)

	data, err := os.ReadFile(filepath.Join(newProfile, "sub", "handlers.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestFileSetResource_NothingToBackUp(t *testing.T) {
	r := newFileSet(t, "preferences", 1, "prefs.js")
	entry, err := r.Backup(context.Background(), t.TempDir(), t.TempDir(), false)
	require.NoError(t, err)
	assert.True(t, manifest.IsNull(entry))
}

func TestSQLiteResource_BackupRecoverPostRecovery(t *testing.T) {
	ctx := context.Background()
	profile := t.TempDir()
	dbPath := filepath.Join(profile, "places.sqlite")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE visits (url TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO visits VALUES ('https://example.com')")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	r, err := NewSQLiteResource(&SQLiteConfig{Key: "history", Databases: []string{"places.sqlite"}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	staging := t.TempDir()
	entry, err := r.Backup(ctx, staging, profile, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"databases":["places.sqlite"]}`, string(entry))

	newProfile := t.TempDir()
	post, err := r.Recover(ctx, entry, staging, newProfile)
	require.NoError(t, err)
	require.NotNil(t, post)

	require.NoError(t, r.PostRecovery(ctx, post))

	restored, err := sql.Open("sqlite3", filepath.Join(newProfile, "places.sqlite"))
	require.NoError(t, err)
	defer restored.Close()
	var count int
	require.NoError(t, restored.QueryRow("SELECT COUNT(*) FROM visits").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteResource_PostRecoveryDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.sqlite")
	writeFile(t, path, "this is not a sqlite database, just some bytes that are long enough")

	r, err := NewSQLiteResource(&SQLiteConfig{Key: "history", Logger: zerolog.Nop()})
	require.NoError(t, err)

	entry, err := manifest.ObjectEntry(sqlitePostRecovery{Paths: []string{path}})
	require.NoError(t, err)
	assert.Error(t, r.PostRecovery(context.Background(), entry))
}
