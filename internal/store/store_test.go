package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTaskCRUD(t *testing.T) {
	s := setupTestStore(t)

	task := &Task{RepoID: "o/r", Platform: "huggingface", RepoType: "model", SavePath: "/tmp/d", Priority: 5}
	id, err := s.AddTask(task)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.GetTask(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "o/r", got.RepoID)
	require.Equal(t, StatusQueued, got.Status)

	ok, err := s.UpdateTask(id, map[string]any{"status": StatusDownloading, "downloaded_bytes": int64(100)})
	require.NoError(t, err)
	require.True(t, ok)

	got, err = s.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, StatusDownloading, got.Status)
	require.EqualValues(t, 100, got.DownloadedBytes)

	deleted, err := s.DeleteTask(id)
	require.NoError(t, err)
	require.True(t, deleted)

	got, err = s.GetTask(id)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetPendingOrdering(t *testing.T) {
	s := setupTestStore(t)

	lowPriority, err := s.AddTask(&Task{RepoID: "a/1", Platform: "huggingface", Priority: 8, Status: StatusQueued})
	require.NoError(t, err)
	highPriority, err := s.AddTask(&Task{RepoID: "a/2", Platform: "huggingface", Priority: 1, Status: StatusQueued})
	require.NoError(t, err)
	_, err = s.AddTask(&Task{RepoID: "a/3", Platform: "huggingface", Priority: 5, Status: StatusCompleted})
	require.NoError(t, err)

	pending, err := s.GetPending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, highPriority, pending[0].ID)
	require.Equal(t, lowPriority, pending[1].ID)
}

func TestGetPendingRecyclesInterruptedDownloads(t *testing.T) {
	s := setupTestStore(t)

	interrupted, err := s.AddTask(&Task{RepoID: "a/1", Platform: "huggingface", Priority: 5, Status: StatusDownloading})
	require.NoError(t, err)

	pending, err := s.GetPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, interrupted, pending[0].ID)
	require.Equal(t, StatusQueued, pending[0].Status)

	got, err := s.GetTask(interrupted)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
}

func TestHistoryAndFavorites(t *testing.T) {
	s := setupTestStore(t)

	id, err := s.AppendHistory(&HistoryEntry{RepoID: "o/r", Platform: "huggingface", TotalBytes: 1000, CompletedAt: time.Now()})
	require.NoError(t, err)

	rows, err := s.GetHistory(10, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].IsFavorite)

	ok, err := s.ToggleFavorite(id)
	require.NoError(t, err)
	require.True(t, ok)

	favs, err := s.GetHistory(10, true)
	require.NoError(t, err)
	require.Len(t, favs, 1)
}

func TestSettings(t *testing.T) {
	s := setupTestStore(t)

	require.NoError(t, s.SetSetting("download.max_workers", "4"))
	v, err := s.GetSetting("download.max_workers", "1")
	require.NoError(t, err)
	require.Equal(t, "4", v)

	missing, err := s.GetSetting("nope", "fallback")
	require.NoError(t, err)
	require.Equal(t, "fallback", missing)

	require.NoError(t, s.SetSetting("download.max_workers", "6"))
	v, err = s.GetSetting("download.max_workers", "1")
	require.NoError(t, err)
	require.Equal(t, "6", v)
}

func TestLocations(t *testing.T) {
	s := setupTestStore(t)

	require.NoError(t, s.AddLocation(&NamedLocation{Path: "/models", Nickname: "primary"}))
	require.NoError(t, s.AddLocation(&NamedLocation{Path: "/models", Nickname: "renamed"}))

	locs, err := s.GetLocations()
	require.NoError(t, err)
	require.Len(t, locs, 1)
	require.Equal(t, "renamed", locs[0].Nickname)
}

func TestDailyAndLifetimeStats(t *testing.T) {
	s := setupTestStore(t)

	require.NoError(t, s.IncrementDailyBytes(100))
	require.NoError(t, s.IncrementDailyBytes(100))
	require.NoError(t, s.IncrementDailyFiles(1))
	require.NoError(t, s.IncrementDailyFiles(1))

	lifetime, err := s.GetLifetimeStats()
	require.NoError(t, err)
	require.EqualValues(t, 200, lifetime.TotalBytes)
	require.EqualValues(t, 2, lifetime.TotalFiles)

	days, err := s.GetDailyStats(7)
	require.NoError(t, err)
	require.Len(t, days, 1)
	require.Equal(t, time.Now().Format("2006-01-02"), days[0].Date)
}

func TestFileEntryUpsertPreservesChecksum(t *testing.T) {
	s := setupTestStore(t)

	require.NoError(t, s.UpsertFileEntry(&FileEntry{TaskID: 1, Path: "a.bin", Size: 10, Status: StatusPending, Checksum: "abc"}))
	require.NoError(t, s.UpsertFileEntry(&FileEntry{TaskID: 1, Path: "a.bin", Size: 10, DownloadedBytes: 10, Status: StatusCompleted}))

	entries, err := s.GetFileEntries(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, StatusCompleted, entries[0].Status)
	require.EqualValues(t, 10, entries[0].DownloadedBytes)
	require.Equal(t, "abc", entries[0].Checksum)

	checksum, has, err := s.GetFileChecksum(1, "a.bin")
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, "abc", checksum)
}

func TestProfilesRoundTrip(t *testing.T) {
	s := setupTestStore(t)

	require.NoError(t, s.SaveProfile(&Profile{Name: "work", Platform: "huggingface", EndpointOverride: "https://mirror.example"}))
	require.NoError(t, s.SaveProfile(&Profile{Name: "work", Platform: "modelscope"}))

	p, err := s.GetProfile("work")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "modelscope", p.Platform)

	all, err := s.GetProfiles()
	require.NoError(t, err)
	require.Len(t, all, 1)

	missing, err := s.GetProfile("nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestTokensRoundTrip(t *testing.T) {
	s := setupTestStore(t)

	require.NoError(t, s.SaveToken(&Token{Name: "hf-read", Platform: "huggingface", Value: "hf_abc"}))
	require.NoError(t, s.SaveToken(&Token{Name: "hf-write", Platform: "huggingface", Value: "hf_xyz", CreatedAt: time.Now().Add(time.Hour)}))

	tok, err := s.GetToken("hf-read")
	require.NoError(t, err)
	require.NotNil(t, tok)
	require.Equal(t, "hf_abc", tok.Value)

	latest, err := s.GetTokenForPlatform("huggingface")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, "hf_xyz", latest.Value)

	none, err := s.GetTokenForPlatform("modelscope")
	require.NoError(t, err)
	require.Nil(t, none)

	deleted, err := s.DeleteToken("hf-read")
	require.NoError(t, err)
	require.True(t, deleted)

	gone, err := s.GetToken("hf-read")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestLocalModelsAndDuplicates(t *testing.T) {
	s := setupTestStore(t)

	require.NoError(t, s.AddLocalModel(&LocalModelRecord{FilePath: "/m/a.safetensors", FileHash: "abc", ModelType: "checkpoint"}))
	require.NoError(t, s.AddLocalModel(&LocalModelRecord{FilePath: "/m/b.safetensors", FileHash: "abc", ModelType: "checkpoint"}))
	require.NoError(t, s.AddLocalModel(&LocalModelRecord{FilePath: "/m/c.safetensors", FileHash: "xyz", ModelType: "vae"}))

	models, err := s.GetLocalModels("")
	require.NoError(t, err)
	require.Len(t, models, 3)

	dupes, err := s.FindDuplicates()
	require.NoError(t, err)
	require.Len(t, dupes, 1)
	require.Equal(t, "abc", dupes[0].Hash)
	require.Len(t, dupes[0].Records, 2)
}
