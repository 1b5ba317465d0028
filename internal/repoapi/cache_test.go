package repoapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"hfsuite/internal/responsecache"
)

type countingProvider struct {
	calls int
}

func (p *countingProvider) PlatformName() string { return "stub" }
func (p *countingProvider) ValidateRepoID(string) bool { return true }
func (p *countingProvider) GetRepoInfo(ctx context.Context, repoID, repoType string) (RepoMetadata, error) {
	p.calls++
	return RepoMetadata{RepoID: repoID, SHA: "abc"}, nil
}
func (p *countingProvider) ListFiles(ctx context.Context, repoID, repoType string) ([]RepoFile, error) {
	p.calls++
	return []RepoFile{{Path: "f.bin", Size: 1}}, nil
}
func (p *countingProvider) DownloadFile(ctx context.Context, req DownloadFileRequest) (string, error) {
	return "", nil
}

func TestCachingProvider_GetRepoInfoHitsCacheOnSecondCall(t *testing.T) {
	cache, err := responsecache.New(t.TempDir())
	require.NoError(t, err)

	provider := &countingProvider{}
	cached := WithCache(provider, cache)

	info1, err := cached.GetRepoInfo(context.Background(), "o/r", "model")
	require.NoError(t, err)
	info2, err := cached.GetRepoInfo(context.Background(), "o/r", "model")
	require.NoError(t, err)

	require.Equal(t, info1, info2)
	require.Equal(t, 1, provider.calls)
}

func TestCachingProvider_ListFilesHitsCacheOnSecondCall(t *testing.T) {
	cache, err := responsecache.New(t.TempDir())
	require.NoError(t, err)

	provider := &countingProvider{}
	cached := WithCache(provider, cache)

	_, err = cached.ListFiles(context.Background(), "o/r", "model")
	require.NoError(t, err)
	_, err = cached.ListFiles(context.Background(), "o/r", "model")
	require.NoError(t, err)

	require.Equal(t, 1, provider.calls)
}

func TestCachingProvider_SearchWithoutSearcherReturnsNil(t *testing.T) {
	cache, err := responsecache.New(t.TempDir())
	require.NoError(t, err)

	cached := WithCache(&countingProvider{}, cache)
	results, err := cached.Search(context.Background(), "query", 5)
	require.NoError(t, err)
	require.Nil(t, results)
}
