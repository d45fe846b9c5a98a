package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basekick-labs/keepsake/internal/archive"
	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/basekick-labs/keepsake/internal/encryption"
	"github.com/basekick-labs/keepsake/internal/manifest"
	"github.com/basekick-labs/keepsake/internal/mirror"
	"github.com/basekick-labs/keepsake/internal/resource"
	"github.com/basekick-labs/keepsake/internal/secrets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery"

var testNow = time.Date(2026, 5, 4, 12, 30, 0, 0, time.UTC)

// stubResource is a scripted resource.
type stubResource struct {
	key       string
	priority  int
	sensitive bool
	entry     manifest.Entry
	err       error
	post      manifest.Entry

	entered chan struct{}
	block   chan struct{}

	mu        sync.Mutex
	recovered []manifest.Entry
	postCalls []manifest.Entry
}

func (r *stubResource) Key() string              { return r.key }
func (r *stubResource) Priority() int            { return r.priority }
func (r *stubResource) RequiresEncryption() bool { return r.sensitive }

func (r *stubResource) Backup(ctx context.Context, stagingDir, profileDir string, encrypted bool) (manifest.Entry, error) {
	if r.entered != nil {
		close(r.entered)
	}
	if r.block != nil {
		<-r.block
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.entry != nil && !manifest.IsNull(r.entry) {
		if err := os.WriteFile(filepath.Join(stagingDir, "data.txt"), []byte(r.key), 0600); err != nil {
			return nil, err
		}
	}
	return r.entry, nil
}

func (r *stubResource) Recover(ctx context.Context, entry manifest.Entry, recoveryDir, newProfileDir string) (manifest.Entry, error) {
	r.mu.Lock()
	r.recovered = append(r.recovered, entry)
	r.mu.Unlock()
	return r.post, nil
}

func (r *stubResource) Measure(ctx context.Context, profileDir string) error { return nil }

func (r *stubResource) PostRecovery(ctx context.Context, entry manifest.Entry) error {
	r.mu.Lock()
	r.postCalls = append(r.postCalls, entry)
	r.mu.Unlock()
	return nil
}

type testEnv struct {
	root       string
	profileDir string
	destDir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		root:       root,
		profileDir: filepath.Join(root, "profiles", "abcd1234.default"),
		destDir:    filepath.Join(root, "dest"),
	}
	require.NoError(t, os.MkdirAll(env.profileDir, 0700))
	return env
}

func (e *testEnv) config(t *testing.T, resources ...resource.Resource) *ServiceConfig {
	t.Helper()
	reg, err := resource.NewRegistry(resources...)
	require.NoError(t, err)
	return &ServiceConfig{
		ProfileDir:       e.profileDir,
		ProfileName:      "default",
		AppName:          "keepsake",
		AppVersion:       "1.2.0",
		BuildID:          "20260504",
		MachineName:      "laptop",
		OSName:           "linux",
		Destination:      e.destDir,
		DocumentsDir:     filepath.Join(e.root, "documents"),
		HomeDir:          filepath.Join(e.root, "home"),
		ArchiveFileName:  "Backup",
		CompressionLevel: -1,
		ChunkSize:        4096,
		Registry:         reg,
		Logger:           zerolog.Nop(),
		Now:              func() time.Time { return testNow },
	}
}

func (e *testEnv) service(t *testing.T, resources ...resource.Resource) *Service {
	t.Helper()
	s, err := NewService(e.config(t, resources...))
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func fileSet(t *testing.T, key string, priority int, sensitive bool, files ...string) *resource.FileSetResource {
	t.Helper()
	r, err := resource.NewFileSetResource(&resource.FileSetConfig{
		Key:                key,
		Priority:           priority,
		RequiresEncryption: sensitive,
		Files:              files,
		Logger:             zerolog.Nop(),
	})
	require.NoError(t, err)
	return r
}

func TestCreateBackup_SkipsSensitiveResourcesWhenUnencrypted(t *testing.T) {
	env := newTestEnv(t)
	prefs := &stubResource{key: "preferences", priority: 10, entry: manifest.Entry(`{"files":["prefs.js"]}`)}
	logins := &stubResource{key: "logins", priority: 20, sensitive: true, entry: manifest.Entry(`{"files":["logins.json"]}`)}
	s := env.service(t, prefs, logins)

	result := s.CreateBackup(context.Background())
	require.NotNil(t, result)

	assert.Equal(t, filepath.Join(env.destDir, "Backup_default_20260504-1230.html"), result.Path)
	assert.False(t, result.Encrypted)
	assert.Equal(t, []string{"preferences"}, result.Manifest.Keys())
	assert.Greater(t, result.Size, int64(0))

	sample, err := archive.SampleFile(result.Path)
	require.NoError(t, err)
	assert.False(t, sample.Encrypted())
	assert.Nil(t, sample.Header.EncConfig)
	assert.Equal(t, "default", sample.Header.Meta.ProfileName)

	// Transient artifacts are gone.
	entries, err := os.ReadDir(filepath.Join(s.BackupsDir(), "snapshots"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = os.Stat(filepath.Join(s.BackupsDir(), compressedSnapshotName))
	assert.True(t, os.IsNotExist(err))

	st := s.State()
	assert.False(t, st.BackupInProgress)
	require.NotNil(t, st.LastBackupDate)
	assert.True(t, st.LastBackupDate.Equal(testNow))
	assert.Equal(t, "Backup_default_20260504-1230.html", st.LastBackupFileName)
	require.NotNil(t, st.LastArchive)
	assert.Equal(t, result.Path, st.LastArchive.Path)
}

func TestCreateBackup_IsolatesResourceFailures(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t,
		&stubResource{key: "object", priority: 4, entry: manifest.Entry(`{"n":1}`)},
		&stubResource{key: "empty", priority: 3, entry: manifest.NullEntry},
		&stubResource{key: "undefined", priority: 2},
		&stubResource{key: "broken", priority: 1, err: errors.New("disk on fire")},
	)

	result := s.CreateBackup(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, []string{"empty", "object"}, result.Manifest.Keys())
	assert.True(t, manifest.IsNull(result.Manifest.Resources["empty"]))
}

func TestCreateBackup_AtMostOneInProgress(t *testing.T) {
	env := newTestEnv(t)
	slow := &stubResource{
		key:     "slow",
		entry:   manifest.Entry(`{"n":1}`),
		entered: make(chan struct{}),
		block:   make(chan struct{}),
	}
	s := env.service(t, slow)

	done := make(chan *BackupResult)
	go func() { done <- s.CreateBackup(context.Background()) }()

	<-slow.entered
	assert.True(t, s.State().BackupInProgress)
	assert.Nil(t, s.CreateBackup(context.Background()))

	close(slow.block)
	assert.NotNil(t, <-done)
	assert.False(t, s.State().BackupInProgress)
}

func TestCreateBackup_DestinationFallback(t *testing.T) {
	env := newTestEnv(t)
	// A regular file where the destination directory should be.
	writeFile(t, env.destDir, "not a directory")
	s := env.service(t, &stubResource{key: "a", entry: manifest.NullEntry})

	result := s.CreateBackup(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, filepath.Join(env.root, "documents"), filepath.Dir(result.Path))
}

func TestCreateBackup_NoUsableDestination(t *testing.T) {
	env := newTestEnv(t)
	var logs bytes.Buffer
	cfg := env.config(t, &stubResource{key: "a", entry: manifest.Entry(`{"n":1}`)})
	cfg.Logger = zerolog.New(&logs)
	for _, dir := range []string{cfg.Destination, cfg.DocumentsDir, cfg.HomeDir} {
		writeFile(t, dir, "not a directory")
	}
	s, err := NewService(cfg)
	require.NoError(t, err)

	assert.Nil(t, s.CreateBackup(context.Background()))
	assert.Contains(t, logs.String(), string(backuperr.KindFileSystem))

	st := s.State()
	assert.False(t, st.BackupInProgress)
	assert.Nil(t, st.LastBackupDate)
	_, err = os.Stat(filepath.Join(s.BackupsDir(), "snapshots", "staging"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateBackup_EncodeFailureLeavesNoArtifacts(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.config(t, &stubResource{key: "a", entry: manifest.Entry(`{"n":1}`)})
	cfg.ChunkSize = archive.MaxChunkSize + 1
	s, err := NewService(cfg)
	require.NoError(t, err)

	assert.Nil(t, s.CreateBackup(context.Background()))

	snapshots, err := os.ReadDir(filepath.Join(s.BackupsDir(), "snapshots"))
	require.NoError(t, err)
	assert.Empty(t, snapshots)
	_, err = os.Stat(filepath.Join(s.BackupsDir(), compressedSnapshotName))
	assert.True(t, os.IsNotExist(err))

	archives, err := os.ReadDir(env.destDir)
	require.NoError(t, err)
	assert.Empty(t, archives)

	st := s.State()
	assert.False(t, st.BackupInProgress)
	assert.Nil(t, st.LastBackupDate)
	assert.Empty(t, st.LastBackupFileName)
}

func TestCreateBackup_PurgesOlderArchives(t *testing.T) {
	env := newTestEnv(t)
	older := filepath.Join(env.destDir, "Backup_default_20260101-0900.html")
	otherProfile := filepath.Join(env.destDir, "Backup_work_20260101-0900.html")
	unrelated := filepath.Join(env.destDir, "notes.html")
	writeFile(t, older, "old")
	writeFile(t, otherProfile, "other")
	writeFile(t, unrelated, "keep")

	s := env.service(t, &stubResource{key: "a", entry: manifest.Entry(`{}`)})
	// The older archive was discovered at startup.
	assert.Equal(t, "Backup_default_20260101-0900.html", s.State().LastBackupFileName)

	result := s.CreateBackup(context.Background())
	require.NotNil(t, result)

	_, err := os.Stat(older)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, otherProfile)
	assert.FileExists(t, unrelated)
	assert.FileExists(t, result.Path)

	// A second run in the same minute replaces the archive in place.
	again := s.CreateBackup(context.Background())
	require.NotNil(t, again)
	assert.Equal(t, result.Path, again.Path)
	assert.FileExists(t, again.Path)
}

func TestCreateBackup_Mirror(t *testing.T) {
	env := newTestEnv(t)
	mirrorDir := filepath.Join(env.root, "mirror")
	m, err := mirror.NewLocalBackend(mirrorDir, zerolog.Nop())
	require.NoError(t, err)
	writeFile(t, filepath.Join(mirrorDir, "Backup_default_20250101-0000.html"), "stale")

	cfg := env.config(t, &stubResource{key: "a", entry: manifest.Entry(`{}`)})
	cfg.Mirror = m
	s, err := NewService(cfg)
	require.NoError(t, err)

	result := s.CreateBackup(context.Background())
	require.NotNil(t, result)

	names, err := m.List(context.Background(), "Backup_default_")
	require.NoError(t, err)
	assert.Equal(t, []string{result.FileName}, names)
}

func TestDeleteLastBackup(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, &stubResource{key: "a", entry: manifest.Entry(`{}`)})

	result := s.CreateBackup(context.Background())
	require.NotNil(t, result)

	require.NoError(t, s.DeleteLastBackup(context.Background()))
	_, err := os.Stat(result.Path)
	assert.True(t, os.IsNotExist(err))
	st := s.State()
	assert.Nil(t, st.LastBackupDate)
	assert.Empty(t, st.LastBackupFileName)

	// Nothing left to delete.
	assert.NoError(t, s.DeleteLastBackup(context.Background()))
}

func TestEncryption_EnableDisable(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, &stubResource{key: "a", entry: manifest.NullEntry})
	ctx := context.Background()

	err := s.DisableEncryption(ctx)
	assert.True(t, backuperr.Is(err, backuperr.KindEncryptionAlreadyDisabled))

	err = s.EnableEncryption(ctx, "short")
	assert.True(t, backuperr.Is(err, backuperr.KindInvalidPassword))
	assert.False(t, s.State().EncryptionEnabled)

	require.NoError(t, s.EnableEncryption(ctx, testPassword))
	assert.True(t, s.State().EncryptionEnabled)
	assert.FileExists(t, filepath.Join(s.BackupsDir(), encryption.StateFileName))

	err = s.EnableEncryption(ctx, testPassword)
	assert.True(t, backuperr.Is(err, backuperr.KindEncryptionAlreadyEnabled))

	require.NoError(t, s.DisableEncryption(ctx))
	assert.False(t, s.State().EncryptionEnabled)
	_, err = os.Stat(filepath.Join(s.BackupsDir(), encryption.StateFileName))
	assert.True(t, os.IsNotExist(err))
}

type recordingLauncher struct {
	profiles []string
}

func (l *recordingLauncher) Launch(ctx context.Context, profileDir string) error {
	l.profiles = append(l.profiles, profileDir)
	return nil
}

func TestRecoverFromBackupArchive_Encrypted(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, filepath.Join(env.profileDir, "prefs.js"), "user_pref(1)")
	writeFile(t, filepath.Join(env.profileDir, "logins.json"), `{"logins":[]}`)
	writeFile(t, filepath.Join(env.profileDir, LegacyClientIDFileName), `{"clientID":"4f0b1f4e-7a3c-4e7a-9d7e-6f1c2b3a4d5e"}`)

	newResources := func() []resource.Resource {
		return []resource.Resource{
			fileSet(t, "preferences", 10, false, "prefs.js"),
			fileSet(t, "logins", 20, true, "logins.json"),
		}
	}

	store := secrets.NewStore()
	launcher := &recordingLauncher{}
	cfg := env.config(t, newResources()...)
	cfg.Secrets = store
	cfg.Launcher = launcher
	s, err := NewService(cfg)
	require.NoError(t, err)

	require.NoError(t, s.EnableEncryption(context.Background(), testPassword))
	result := s.CreateBackup(context.Background())
	require.NotNil(t, result)
	assert.True(t, result.Encrypted)
	assert.Equal(t, []string{"logins", "preferences"}, result.Manifest.Keys())
	assert.NotEmpty(t, result.Manifest.Meta.LegacyClientID)

	// Missing and wrong codes are rejected.
	_, err = s.RecoverFromBackupArchive(context.Background(), result.Path, nil, RecoverOptions{})
	assert.True(t, backuperr.Is(err, backuperr.KindUnauthorized))
	_, err = s.RecoverFromBackupArchive(context.Background(), result.Path, []byte("wrong password"), RecoverOptions{})
	assert.True(t, backuperr.Is(err, backuperr.KindUnauthorized))
	assert.Equal(t, 0, store.Len())

	profile, err := s.RecoverFromBackupArchive(context.Background(), result.Path, []byte(testPassword), RecoverOptions{Launch: true})
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
	assert.False(t, s.State().RecoveryInProgress)

	assert.Equal(t, filepath.Join(env.root, "profiles"), filepath.Dir(profile.Dir))
	assert.NotEqual(t, env.profileDir, profile.Dir)
	assert.ElementsMatch(t, []string{"logins", "preferences"}, profile.Recovered)
	assert.True(t, profile.Encrypted)

	data, err := os.ReadFile(filepath.Join(profile.Dir, "prefs.js"))
	require.NoError(t, err)
	assert.Equal(t, "user_pref(1)", string(data))
	assert.FileExists(t, filepath.Join(profile.Dir, "logins.json"))
	assert.FileExists(t, filepath.Join(profile.Dir, LegacyClientIDFileName))

	// The new profile has its own state that opens with the same code.
	g := encryption.NewGate(filepath.Join(profile.Dir, BackupsDirName, encryption.StateFileName), zerolog.Nop())
	st, err := g.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	_, encCfg, err := st.NewArchiveCipher()
	require.NoError(t, err)
	_, err = encryption.OpenArchiveCipher(encCfg, []byte(testPassword))
	assert.NoError(t, err)

	// Recovery leaves no working files behind.
	_, err = os.Stat(filepath.Join(s.BackupsDir(), recoveryZipName))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.BackupsDir(), recoveryDirName))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []string{profile.Dir}, launcher.profiles)
}

func TestRecover_PostRecoveryPass(t *testing.T) {
	env := newTestEnv(t)
	res := &stubResource{
		key:   "places",
		entry: manifest.Entry(`{"databases":["places.sqlite"]}`),
		post:  manifest.Entry(`{"paths":["places.sqlite"]}`),
	}
	s := env.service(t, res)
	result := s.CreateBackup(context.Background())
	require.NotNil(t, result)

	profile, err := s.RecoverFromBackupArchive(context.Background(), result.Path, nil, RecoverOptions{ProfileName: "restored"})
	require.NoError(t, err)
	assert.False(t, profile.Encrypted)
	assert.Contains(t, filepath.Base(profile.Dir), ".restored")
	require.Len(t, res.recovered, 1)
	assert.JSONEq(t, `{"databases":["places.sqlite"]}`, string(res.recovered[0]))

	postPath := filepath.Join(profile.Dir, BackupsDirName, PostRecoveryFileName)
	require.FileExists(t, postPath)

	// A service running on the new profile consumes the file once.
	cfg := env.config(t, res)
	cfg.ProfileDir = profile.Dir
	cfg.ProfileName = "restored"
	restored, err := NewService(cfg)
	require.NoError(t, err)

	require.NoError(t, restored.RunPostRecovery(context.Background()))
	require.Len(t, res.postCalls, 1)
	assert.JSONEq(t, `{"paths":["places.sqlite"]}`, string(res.postCalls[0]))
	_, err = os.Stat(postPath)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, restored.RunPostRecovery(context.Background()))
	assert.Len(t, res.postCalls, 1)
}

func TestRunPostRecovery_CorruptFileIsDeleted(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, &stubResource{key: "a"})
	path := filepath.Join(s.BackupsDir(), PostRecoveryFileName)
	writeFile(t, path, "{broken")

	err := s.RunPostRecovery(context.Background())
	assert.True(t, backuperr.Is(err, backuperr.KindCorruptedArchive))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRecover_CompatibilityChecks(t *testing.T) {
	env := newTestEnv(t)
	res := &stubResource{key: "a", entry: manifest.Entry(`{}`)}
	s := env.service(t, res)
	result := s.CreateBackup(context.Background())
	require.NotNil(t, result)

	older := env.config(t, res)
	older.AppVersion = "1.1.9"
	olderSvc, err := NewService(older)
	require.NoError(t, err)
	_, err = olderSvc.RecoverFromBackupArchive(context.Background(), result.Path, nil, RecoverOptions{})
	assert.True(t, backuperr.Is(err, backuperr.KindUnsupportedBackupVersion))

	other := env.config(t, res)
	other.AppName = "otherapp"
	otherSvc, err := NewService(other)
	require.NoError(t, err)
	_, err = otherSvc.RecoverFromBackupArchive(context.Background(), result.Path, nil, RecoverOptions{})
	assert.True(t, backuperr.Is(err, backuperr.KindUnsupportedApplication))

	newer := env.config(t, res)
	newer.AppVersion = "2.0.0"
	newerSvc, err := NewService(newer)
	require.NoError(t, err)
	_, err = newerSvc.RecoverFromBackupArchive(context.Background(), result.Path, nil, RecoverOptions{})
	assert.NoError(t, err)
}

func TestRecoverFromSnapshotFolder(t *testing.T) {
	env := newTestEnv(t)
	res := &stubResource{key: "a"}
	known := &stubResource{key: "b"}
	s := env.service(t, res, known)

	tree := filepath.Join(env.root, "tree")
	m := manifest.New(s.meta(testNow))
	m.Resources["a"] = manifest.NullEntry
	m.Resources["b"] = manifest.Entry(`{"x":1}`)
	m.Resources["unknown"] = manifest.NullEntry
	require.NoError(t, os.MkdirAll(tree, 0700))
	require.NoError(t, manifest.Write(tree, m))

	profile, err := s.RecoverFromSnapshotFolder(context.Background(), tree, RecoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, profile.Recovered)
	assert.Empty(t, res.recovered)
	_, err = os.Stat(filepath.Join(profile.Dir, BackupsDirName, PostRecoveryFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestRecover_RejectsNewerManifest(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, &stubResource{key: "a"})

	tree := filepath.Join(env.root, "tree")
	m := manifest.New(s.meta(testNow))
	m.Version = manifest.SchemaVersion + 1
	data, err := json.Marshal(m)
	require.NoError(t, err)
	writeFile(t, filepath.Join(tree, manifest.FileName), string(data))

	_, err = s.RecoverFromSnapshotFolder(context.Background(), tree, RecoverOptions{})
	assert.True(t, backuperr.Is(err, backuperr.KindUnsupportedBackupVersion))
}

func TestSubscribe(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, &stubResource{key: "a", entry: manifest.NullEntry})

	var mu sync.Mutex
	var seen []State
	unsubscribe := s.Subscribe(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	s.SetScheduledBackupsEnabled(true)
	require.NotNil(t, s.CreateBackup(context.Background()))
	unsubscribe()
	s.SetScheduledBackupsEnabled(false)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.True(t, seen[0].ScheduledBackupsEnabled)
	assert.True(t, seen[1].BackupInProgress)
	last := seen[len(seen)-1]
	assert.False(t, last.BackupInProgress)
	assert.NotNil(t, last.LastBackupDate)
	assert.True(t, last.ScheduledBackupsEnabled)
}

func TestSubscribe_ObserverReadsState(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, &stubResource{key: "a", entry: manifest.NullEntry})

	var mu sync.Mutex
	var reads []bool
	s.Subscribe(func(State) {
		current := s.State()
		mu.Lock()
		reads = append(reads, current.ScheduledBackupsEnabled)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.SetScheduledBackupsEnabled(true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("observer calling State blocked the update")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true}, reads)
}

func TestArchiveFileName_StaysInDestination(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.config(t, &stubResource{key: "a", entry: manifest.Entry(`{"n":1}`)})
	cfg.ProfileName = "../nested/work"
	s, err := NewService(cfg)
	require.NoError(t, err)

	assert.Equal(t, "Backup_work_20260504-1230.html", s.ArchiveFileName(testNow))

	result := s.CreateBackup(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, env.destDir, filepath.Dir(result.Path))

	reopened, err := NewService(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Backup_work_20260504-1230.html", reopened.State().LastBackupFileName)

	cfg.ProfileName = ".."
	dotted, err := NewService(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Backup_profile_20260504-1230.html", dotted.ArchiveFileName(testNow))
}

func TestStateIsACopy(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, &stubResource{key: "a", entry: manifest.NullEntry})
	require.NotNil(t, s.CreateBackup(context.Background()))

	st := s.State()
	st.LastBackupDate = nil
	st.LastArchive.Path = "elsewhere"

	fresh := s.State()
	assert.NotNil(t, fresh.LastBackupDate)
	assert.NotEqual(t, "elsewhere", fresh.LastArchive.Path)
}
