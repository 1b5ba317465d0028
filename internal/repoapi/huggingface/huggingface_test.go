package huggingface

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"hfsuite/internal/errs"
	"hfsuite/internal/repoapi"
)

func TestListFilesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"path":"a.safetensors","size":100,"type":"file","oid":"abc"}]`))
	}))
	defer srv.Close()

	p := New("", srv.URL)
	files, err := p.ListFiles(context.Background(), "o/r", "model")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "a.safetensors", files[0].Path)
	require.EqualValues(t, 100, files[0].Size)
}

func TestListFilesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New("", srv.URL)
	p.MaxAttempts = 1
	_, err := p.ListFiles(context.Background(), "o/missing", "model")
	require.Error(t, err)

	var de *errs.DownloadError
	require.True(t, errs.AsDownloadError(err, &de))
	require.Equal(t, errs.KindNotFound, de.Kind)
}

func TestListFilesRetriesTransientErrorThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	p := New("", srv.URL)
	p.MaxAttempts = 3
	files, err := p.ListFiles(context.Background(), "o/r", "model")
	require.NoError(t, err)
	require.Empty(t, files)
	require.Equal(t, 2, attempts)
}

func TestGetRepoInfoParsesGatedAndSHA(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/models/o/r", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sha":"abc123","private":false,"gated":"manual"}`))
	}))
	defer srv.Close()

	p := New("", srv.URL)
	info, err := p.GetRepoInfo(context.Background(), "o/r", "model")
	require.NoError(t, err)
	require.Equal(t, "abc123", info.SHA)
	require.True(t, info.Gated)
	require.False(t, info.Private)
}

func TestGetRepoInfoUngatedRepo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sha":"def456","private":true,"gated":false}`))
	}))
	defer srv.Close()

	p := New("", srv.URL)
	info, err := p.GetRepoInfo(context.Background(), "o/r", "model")
	require.NoError(t, err)
	require.False(t, info.Gated)
	require.True(t, info.Private)
}

func TestDownloadFileWritesAndResumes(t *testing.T) {
	const body = "hello world"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			w.Header().Set("Content-Range", "bytes 6-10/11")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte(body[6:]))
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := New("", srv.URL)

	var downloaded int64
	req := repoapi.DownloadFileRequest{
		RepoID:   "o/r",
		RepoType: "model",
		FilePath: "file.bin",
		LocalDir: dir,
		Progress: func(n int64) { downloaded += n },
	}
	path, err := p.DownloadFile(context.Background(), req)
	require.NoError(t, err)
	require.FileExists(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, body, string(data))
	require.EqualValues(t, len(body), downloaded)
}
