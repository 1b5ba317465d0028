package repoapi

import (
	"context"
	"strconv"

	"hfsuite/internal/responsecache"
)

// CachingProvider decorates a RepoAPI with a TTL file cache for the two
// read-only metadata calls (GetRepoInfo, ListFiles) and, when the wrapped
// provider implements Searcher, Search as well. DownloadFile always passes
// through uncached. The cache is advisory: a Get/Set failure never
// prevents the call from reaching the wrapped provider.
type CachingProvider struct {
	RepoAPI
	Cache *responsecache.Cache
}

// WithCache wraps p so its metadata calls are cached under the given
// *responsecache.Cache. If p also implements Searcher, the returned value
// does too (CachingProvider.Search delegates only when present).
func WithCache(p RepoAPI, cache *responsecache.Cache) *CachingProvider {
	return &CachingProvider{RepoAPI: p, Cache: cache}
}

func (c *CachingProvider) GetRepoInfo(ctx context.Context, repoID, repoType string) (RepoMetadata, error) {
	key := responsecache.Key("repo_info", []string{repoID, repoType}, map[string]string{"platform": c.RepoAPI.PlatformName()})

	var cached RepoMetadata
	if c.Cache.Get(key, &cached) {
		return cached, nil
	}

	info, err := c.RepoAPI.GetRepoInfo(ctx, repoID, repoType)
	if err != nil {
		return info, err
	}
	_ = c.Cache.Set(key, info, responsecache.TTLRepoInfo)
	return info, nil
}

func (c *CachingProvider) ListFiles(ctx context.Context, repoID, repoType string) ([]RepoFile, error) {
	key := responsecache.Key("list_files", []string{repoID, repoType}, map[string]string{"platform": c.RepoAPI.PlatformName()})

	var cached []RepoFile
	if c.Cache.Get(key, &cached) {
		return cached, nil
	}

	files, err := c.RepoAPI.ListFiles(ctx, repoID, repoType)
	if err != nil {
		return files, err
	}
	_ = c.Cache.Set(key, files, responsecache.TTLFileList)
	return files, nil
}

// Search caches the optional Searcher capability when the wrapped provider
// implements it; it is absent from the RepoAPI interface itself, so
// callers that need it must type-assert, exactly as they would against the
// unwrapped provider.
func (c *CachingProvider) Search(ctx context.Context, query string, limit int) ([]RepoMetadata, error) {
	searcher, ok := c.RepoAPI.(Searcher)
	if !ok {
		return nil, nil
	}

	key := responsecache.Key("search", []string{query}, map[string]string{
		"platform": c.RepoAPI.PlatformName(),
		"limit":    strconv.Itoa(limit),
	})

	var cached []RepoMetadata
	if c.Cache.Get(key, &cached) {
		return cached, nil
	}

	results, err := searcher.Search(ctx, query, limit)
	if err != nil {
		return results, err
	}
	_ = c.Cache.Set(key, results, responsecache.TTLSearchResults)
	return results, nil
}
