package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hfsuite/internal/errs"
	"hfsuite/internal/eventbus"
	"hfsuite/internal/integrity"
	"hfsuite/internal/repoapi"
	"hfsuite/internal/resumestore"
	"hfsuite/internal/store"
)

// fakeProvider is an in-memory repoapi.RepoAPI stub for Worker tests, so
// Worker's control flow can be exercised without real HTTP.
type fakeProvider struct {
	files       []repoapi.RepoFile
	content     map[string][]byte
	failNTimes  map[string]int // path -> number of times DownloadFile should fail before succeeding
	listFilesErr error
}

func (p *fakeProvider) PlatformName() string { return "fake" }
func (p *fakeProvider) ValidateRepoID(repoID string) bool { return true }

func (p *fakeProvider) GetRepoInfo(ctx context.Context, repoID, repoType string) (repoapi.RepoMetadata, error) {
	return repoapi.RepoMetadata{RepoID: repoID}, nil
}

func (p *fakeProvider) ListFiles(ctx context.Context, repoID, repoType string) ([]repoapi.RepoFile, error) {
	if p.listFilesErr != nil {
		return nil, p.listFilesErr
	}
	return p.files, nil
}

func (p *fakeProvider) DownloadFile(ctx context.Context, req repoapi.DownloadFileRequest) (string, error) {
	if p.failNTimes != nil && p.failNTimes[req.FilePath] > 0 {
		p.failNTimes[req.FilePath]--
		return "", errs.NewNetworkError("fake://"+req.FilePath, "simulated", nil)
	}
	data := p.content[req.FilePath]
	dest := filepath.Join(req.LocalDir, req.FilePath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	if req.Progress != nil {
		req.Progress(int64(len(data)))
	}
	return dest, nil
}

func newTestDeps(t *testing.T, providers map[string]repoapi.RepoAPI) Deps {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rs, err := resumestore.New(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return Deps{
		Store:       st,
		Bus:         eventbus.New(logger),
		ResumeStore: rs,
		Providers:   providers,
		Logger:      logger,
		MaxRetries:  2,
		RetryDelay:  10 * time.Millisecond,
	}
}

func newTestTask(savePath, repoID string) *store.Task {
	return &store.Task{
		ID:       1,
		RepoID:   repoID,
		Platform: "fake",
		RepoType: "model",
		SavePath: savePath,
		Status:   store.StatusQueued,
	}
}

func TestWorkerCompletesSimpleDownload(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{
		files: []repoapi.RepoFile{{Path: "a.bin", Size: 3}, {Path: "b.bin", Size: 3}},
		content: map[string][]byte{
			"a.bin": []byte("aaa"),
			"b.bin": []byte("bbb"),
		},
	}
	deps := newTestDeps(t, map[string]repoapi.RepoAPI{"fake": provider})
	task := newTestTask(dir, "org/repo")
	w := New(task, deps)

	w.Start(context.Background())

	require.Equal(t, StatusCompleted, w.Status())
	require.FileExists(t, filepath.Join(dir, "repo", "a.bin"))
	require.FileExists(t, filepath.Join(dir, "repo", "b.bin"))
}

func TestWorkerRetriesTransientFailureThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{
		files:      []repoapi.RepoFile{{Path: "a.bin", Size: 3}},
		content:    map[string][]byte{"a.bin": []byte("aaa")},
		failNTimes: map[string]int{"a.bin": 1},
	}
	deps := newTestDeps(t, map[string]repoapi.RepoAPI{"fake": provider})
	task := newTestTask(dir, "org/repo")
	w := New(task, deps)

	w.Start(context.Background())

	require.Equal(t, StatusCompleted, w.Status())
}

func TestWorkerFailsOnUnsupportedPlatform(t *testing.T) {
	dir := t.TempDir()
	deps := newTestDeps(t, map[string]repoapi.RepoAPI{})
	task := newTestTask(dir, "org/repo")
	task.Platform = "nonexistent"
	w := New(task, deps)

	w.Start(context.Background())

	require.Equal(t, StatusFailed, w.Status())
}

func TestWorkerNonRetryableErrorFailsImmediately(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{listFilesErr: errs.NewNotFound("org/repo", "fake")}
	deps := newTestDeps(t, map[string]repoapi.RepoAPI{"fake": provider})
	task := newTestTask(dir, "org/repo")
	w := New(task, deps)

	w.Start(context.Background())

	require.Equal(t, StatusFailed, w.Status())
}

func TestWorkerCancelStopsBeforeCompletion(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{
		files:   []repoapi.RepoFile{{Path: "a.bin", Size: 3}},
		content: map[string][]byte{"a.bin": []byte("aaa")},
	}
	deps := newTestDeps(t, map[string]repoapi.RepoAPI{"fake": provider})
	task := newTestTask(dir, "org/repo")
	w := New(task, deps)

	w.Cancel()
	w.Start(context.Background())

	require.Equal(t, StatusCancelled, w.Status())
}

func TestWorkerCancelDuringRetryWaitExitsPromptly(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{
		files:      []repoapi.RepoFile{{Path: "a.bin", Size: 3}},
		content:    map[string][]byte{"a.bin": []byte("aaa")},
		failNTimes: map[string]int{"a.bin": 10},
	}
	deps := newTestDeps(t, map[string]repoapi.RepoAPI{"fake": provider})
	deps.RetryDelay = 5 * time.Second
	task := newTestTask(dir, "org/repo")
	w := New(task, deps)

	failed := make(chan struct{}, 1)
	deps.Bus.Subscribe(eventbus.DownloadFailed, func(any) { failed <- struct{}{} })

	go func() {
		time.Sleep(50 * time.Millisecond)
		w.Cancel()
	}()

	start := time.Now()
	w.Start(context.Background())

	require.Equal(t, StatusCancelled, w.Status())
	require.Less(t, time.Since(start), 2*time.Second)
	select {
	case <-failed:
		t.Fatal("download.failed must not fire after cancel")
	default:
	}
}

func TestWorkerFailurePersistsErrorMessage(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{listFilesErr: errs.NewNotFound("org/repo", "fake")}
	deps := newTestDeps(t, map[string]repoapi.RepoAPI{"fake": provider})
	task := newTestTask(dir, "org/repo")
	id, err := deps.Store.AddTask(task)
	require.NoError(t, err)
	task.ID = id

	w := New(task, deps)
	w.Start(context.Background())

	require.Equal(t, StatusFailed, w.Status())
	got, err := deps.Store.GetTask(id)
	require.NoError(t, err)
	require.Contains(t, got.ErrorMessage, "repository not found")
}

func TestWorkerResumesFromPriorCompletedFiles(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{
		files: []repoapi.RepoFile{{Path: "a.bin", Size: 3}, {Path: "b.bin", Size: 3}},
		content: map[string][]byte{
			"a.bin": []byte("aaa"),
			"b.bin": []byte("bbb"),
		},
	}
	deps := newTestDeps(t, map[string]repoapi.RepoAPI{"fake": provider})
	task := newTestTask(dir, "org/repo")

	state := &resumestore.State{}
	state.MarkCompleted("a.bin")
	require.NoError(t, deps.ResumeStore.Save(task.ID, state))

	w := New(task, deps)
	w.Start(context.Background())

	require.Equal(t, StatusCompleted, w.Status())
	require.NoFileExists(t, filepath.Join(dir, "repo", "a.bin")) // never (re)written by this run
}

func TestWorkerChecksumMismatchFailsTask(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{
		files:   []repoapi.RepoFile{{Path: "a.bin", Size: 3}},
		content: map[string][]byte{"a.bin": []byte("aaa")},
	}
	deps := newTestDeps(t, map[string]repoapi.RepoAPI{"fake": provider})
	task := newTestTask(dir, "org/repo")

	const wrongMD5 = "00000000000000000000000000000000"
	require.NoError(t, deps.Store.UpsertFileEntry(&store.FileEntry{
		TaskID: task.ID, Path: "a.bin", Checksum: wrongMD5,
	}))

	w := New(task, deps)
	w.Start(context.Background())

	require.Equal(t, StatusFailed, w.Status())
}

func TestWorkerRecordsFileEntryProgress(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{
		files:   []repoapi.RepoFile{{Path: "a.bin", Size: 3}},
		content: map[string][]byte{"a.bin": []byte("aaa")},
	}
	deps := newTestDeps(t, map[string]repoapi.RepoAPI{"fake": provider})
	task := newTestTask(dir, "org/repo")
	w := New(task, deps)

	w.Start(context.Background())
	require.Equal(t, StatusCompleted, w.Status())

	entries, err := deps.Store.GetFileEntries(task.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, store.StatusCompleted, entries[0].Status)
	require.EqualValues(t, 3, entries[0].DownloadedBytes)
}

func TestCheckDiskSpaceRejectsWhenInsufficient(t *testing.T) {
	err := checkDiskSpace(t.TempDir(), 1<<62)
	require.Error(t, err)
	var de *errs.DownloadError
	require.True(t, errs.AsDownloadError(err, &de))
	require.Equal(t, errs.KindInsufficientSpace, de.Kind)
}

func TestVerifyChecksumDetectsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	const wrongSHA256 = "0000000000000000000000000000000000000000000000000000000000000000"
	err := integrity.NewFileVerifier().Verify(path, wrongSHA256[:64])
	require.Error(t, err)
	var de *errs.DownloadError
	require.True(t, errs.AsDownloadError(err, &de))
	require.Equal(t, errs.KindFileVerificationError, de.Kind)
}

func TestVerifyChecksumAcceptsMatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	const sha256OfHello = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	require.NoError(t, integrity.NewFileVerifier().Verify(path, sha256OfHello))
}
