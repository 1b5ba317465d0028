package modelscope

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListFilesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Data":{"Files":[{"Path":"model.bin","Size":42,"Type":"file"}]}}`))
	}))
	defer srv.Close()

	p := New("", srv.URL)
	files, err := p.ListFiles(context.Background(), "o/r", "model")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "model.bin", files[0].Path)
	require.EqualValues(t, 42, files[0].Size)
}

func TestGetRepoInfoPropagatesAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New("", srv.URL)
	p.MaxAttempts = 1
	_, err := p.GetRepoInfo(context.Background(), "o/r", "model")
	require.Error(t, err)
}
