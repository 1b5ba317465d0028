package resumestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	state := &State{DownloadedBytes: 512, CurrentFile: "b.bin"}
	state.MarkCompleted("a.bin")

	require.NoError(t, s.Save(1, state))

	loaded := s.Load(1)
	require.True(t, loaded.HasCompleted("a.bin"))
	require.EqualValues(t, 512, loaded.DownloadedBytes)
	require.Equal(t, 1, loaded.FilesCompleted)
}

func TestLoadMissingReturnsZeroValue(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	loaded := s.Load(99)
	require.False(t, loaded.HasCompleted("anything"))
	require.Equal(t, 0, loaded.FilesCompleted)
}

func TestClearRemovesSidecar(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(1, &State{DownloadedBytes: 1}))
	require.NoError(t, s.Clear(1))

	loaded := s.Load(1)
	require.Equal(t, int64(0), loaded.DownloadedBytes)
}

func TestListResumable(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(1, &State{}))
	require.NoError(t, s.Save(2, &State{}))

	ids, err := s.ListResumable()
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{1, 2}, ids)
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	state := &State{}
	state.MarkCompleted("a.bin")
	state.MarkCompleted("a.bin")
	require.Equal(t, 1, state.FilesCompleted)
}
