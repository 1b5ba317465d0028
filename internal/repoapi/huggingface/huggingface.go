// Package huggingface implements repoapi.RepoAPI against the HuggingFace
// Hub REST surface: the tree API for listings, the resolve endpoint for
// file content, retry-with-backoff on transient failures, and HTTP-status
// classification into the shared error taxonomy.
package huggingface

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hfsuite/internal/errs"
	"hfsuite/internal/repoapi"
)

const defaultEndpoint = "https://huggingface.co"

type treeEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	Oid  string `json:"oid"`
	Lfs  *struct {
		Oid  string `json:"oid"`
		Size int64  `json:"size"`
	} `json:"lfs,omitempty"`
}

// Provider is one huggingface.co client instance. A Provider never mutates
// process-wide state: endpoint and token are call-scoped fields, not
// package globals.
type Provider struct {
	Token       string
	Endpoint    string
	MaxAttempts int
	httpClient  *http.Client
}

func New(token, endpoint string) *Provider {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Provider{
		Token:       token,
		Endpoint:    strings.TrimRight(endpoint, "/"),
		MaxAttempts: 5,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *Provider) PlatformName() string { return "huggingface" }

func (p *Provider) ValidateRepoID(repoID string) bool { return repoapi.ValidateRepoID(repoID) }

func (p *Provider) treeURL(repoID, repoType string) string {
	prefix := ""
	switch repoType {
	case "dataset":
		prefix = "datasets/"
	case "space":
		prefix = "spaces/"
	}
	return fmt.Sprintf("%s/api/%s%s/tree/main", p.Endpoint, prefix, repoID)
}

func (p *Provider) authorize(req *http.Request) {
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
}

func (p *Provider) infoURL(repoID, repoType string) string {
	segment := "models"
	switch repoType {
	case "dataset":
		segment = "datasets"
	case "space":
		segment = "spaces"
	}
	return fmt.Sprintf("%s/api/%s/%s", p.Endpoint, segment, repoID)
}

// GetRepoInfo fetches the repository's metadata document. The gated field
// is false, "auto", or "manual" depending on the license flow, so it is
// decoded as raw JSON and collapsed to a bool.
func (p *Provider) GetRepoInfo(ctx context.Context, repoID, repoType string) (repoapi.RepoMetadata, error) {
	var parsed struct {
		SHA     string          `json:"sha"`
		Private bool            `json:"private"`
		Gated   json.RawMessage `json:"gated"`
	}
	err := p.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.infoURL(repoID, repoType), nil)
		if err != nil {
			return err
		}
		p.authorize(req)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return errs.NewNetworkError(req.URL.String(), err.Error(), err)
		}
		defer resp.Body.Close()

		if classified := classifyStatus(resp, repoID, p.PlatformName()); classified != nil {
			return classified
		}
		return json.NewDecoder(resp.Body).Decode(&parsed)
	})
	if err != nil {
		return repoapi.RepoMetadata{}, err
	}

	gated := false
	switch strings.TrimSpace(string(parsed.Gated)) {
	case "", "false", "null":
	default:
		gated = true
	}
	return repoapi.RepoMetadata{
		RepoID:   repoID,
		Platform: p.PlatformName(),
		Private:  parsed.Private,
		Gated:    gated,
		SHA:      parsed.SHA,
	}, nil
}

// ListFiles returns the repository's flat file listing, ordered by path
// ascending, retrying transient failures with exponential backoff and
// jitter.
func (p *Provider) ListFiles(ctx context.Context, repoID, repoType string) ([]repoapi.RepoFile, error) {
	var entries []treeEntry
	err := p.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.treeURL(repoID, repoType), nil)
		if err != nil {
			return err
		}
		p.authorize(req)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return errs.NewNetworkError(req.URL.String(), err.Error(), err)
		}
		defer resp.Body.Close()

		if classified := classifyStatus(resp, repoID, p.PlatformName()); classified != nil {
			return classified
		}
		return json.NewDecoder(resp.Body).Decode(&entries)
	})
	if err != nil {
		return nil, err
	}

	files := make([]repoapi.RepoFile, 0, len(entries))
	for _, e := range entries {
		files = append(files, repoapi.RepoFile{Path: e.Path, Size: e.Size, Type: e.Type})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// DownloadFile fetches one file with Range-based resume: it writes to a
// temp sibling and atomically renames on success, resuming from any
// existing partial already in localDir.
func (p *Provider) DownloadFile(ctx context.Context, req repoapi.DownloadFileRequest) (string, error) {
	finalPath := filepath.Join(req.LocalDir, filepath.FromSlash(req.FilePath))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("huggingface: mkdir: %w", err)
	}
	partPath := finalPath + ".part"

	var resumeFrom int64
	if fi, err := os.Stat(partPath); err == nil {
		resumeFrom = fi.Size()
	}

	resolverURL := p.resolverURL(req.RepoID, req.FilePath)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, resolverURL, nil)
	if err != nil {
		return "", err
	}
	p.authorize(httpReq)
	if resumeFrom > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", errs.NewNetworkError(resolverURL, err.Error(), err)
	}
	defer resp.Body.Close()

	if classified := classifyStatus(resp, req.RepoID, p.PlatformName()); classified != nil {
		return "", classified
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		resumeFrom = 0
	}

	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("huggingface: open part file: %w", err)
	}
	defer out.Close()

	buf := make([]byte, 256*1024)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		if req.IsPaused != nil {
			for req.IsPaused() {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(200 * time.Millisecond):
				}
			}
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return "", werr
			}
			if req.Progress != nil {
				req.Progress(int64(n))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return "", errs.NewNetworkError(resolverURL, readErr.Error(), readErr)
		}
	}

	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		return "", fmt.Errorf("huggingface: rename: %w", err)
	}
	return finalPath, nil
}

func (p *Provider) resolverURL(repoID, filePath string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", p.Endpoint, repoID, encodeFilePath(filePath))
}

func encodeFilePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// Search implements repoapi.Searcher against the model search endpoint,
// used by the Workflow Resolver's HuggingFace fallback.
func (p *Provider) Search(ctx context.Context, query string, limit int) ([]repoapi.RepoMetadata, error) {
	u := fmt.Sprintf("%s/api/models?search=%s&limit=%d&sort=downloads&direction=-1",
		p.Endpoint, url.QueryEscape(query), limit)

	var results []struct {
		ID string `json:"id"`
	}
	err := p.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		p.authorize(req)
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return errs.NewNetworkError(u, err.Error(), err)
		}
		defer resp.Body.Close()
		if classified := classifyStatus(resp, query, p.PlatformName()); classified != nil {
			return classified
		}
		return json.NewDecoder(resp.Body).Decode(&results)
	})
	if err != nil {
		return nil, err
	}

	out := make([]repoapi.RepoMetadata, 0, len(results))
	for _, r := range results {
		out = append(out, repoapi.RepoMetadata{RepoID: r.ID, Platform: p.PlatformName()})
	}
	return out, nil
}

// classifyStatus maps an HTTP response to the error taxonomy, or returns
// nil when the status is a plain success.
func classifyStatus(resp *http.Response, repoID, platform string) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	case http.StatusNotFound:
		return errs.NewNotFound(repoID, platform)
	case http.StatusUnauthorized:
		return errs.NewAuthRequired(platform, "missing or invalid token")
	case http.StatusForbidden:
		return errs.NewGated(repoID)
	case http.StatusTooManyRequests:
		return errs.NewRateLimited(resp.Request.URL.String())
	default:
		if resp.StatusCode >= 500 {
			return errs.NewNetworkError(resp.Request.URL.String(), fmt.Sprintf("upstream status %d", resp.StatusCode), nil)
		}
		return errs.NewAPIError(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
}

// withRetry runs fn up to MaxAttempts times, retrying only errors the
// taxonomy marks retryable, backing off exponentially with jitter. A
// Retry-After header is not consulted.
func (p *Provider) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

func backoffDelay(attempt int) time.Duration {
	base := math.Pow(2, float64(attempt)) * float64(time.Second)
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return time.Duration(base) + jitter
}

