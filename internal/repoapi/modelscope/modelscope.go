// Package modelscope implements repoapi.RepoAPI against the ModelScope hub
// REST surface, mirroring huggingface.Provider's structure and retry idiom
// (the two platforms share one capability interface, so the concrete
// implementations deliberately look alike).
package modelscope

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
	"strings"
	"time"

	"hfsuite/internal/errs"
	"hfsuite/internal/repoapi"
)

const defaultEndpoint = "https://www.modelscope.cn"

type fileListResponse struct {
	Data struct {
		Files []struct {
			Path string `json:"Path"`
			Size int64  `json:"Size"`
			Type string `json:"Type"`
		} `json:"Files"`
	} `json:"Data"`
}

// Provider is one modelscope.cn client instance.
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

func (p *Provider) PlatformName() string { return "modelscope" }

func (p *Provider) ValidateRepoID(repoID string) bool { return repoapi.ValidateRepoID(repoID) }

func (p *Provider) authorize(req *http.Request) {
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
}

func (p *Provider) listURL(repoID string) string {
	return fmt.Sprintf("%s/api/v1/models/%s/repo/files", p.Endpoint, repoID)
}

// GetRepoInfo probes the repository by listing its files; ModelScope's
// detail payload carries no revision hash this module uses, so the
// metadata reduces to reachability under the caller's credential.
func (p *Provider) GetRepoInfo(ctx context.Context, repoID, repoType string) (repoapi.RepoMetadata, error) {
	if _, err := p.ListFiles(ctx, repoID, repoType); err != nil {
		return repoapi.RepoMetadata{}, err
	}
	return repoapi.RepoMetadata{RepoID: repoID, Platform: p.PlatformName()}, nil
}

// ListFiles returns the repository's flat file listing, retrying transient
// failures the same way the huggingface provider does.
func (p *Provider) ListFiles(ctx context.Context, repoID, repoType string) ([]repoapi.RepoFile, error) {
	var parsed fileListResponse
	err := p.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.listURL(repoID), nil)
		if err != nil {
			return err
		}
		p.authorize(req)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return errs.NewNetworkError(req.URL.String(), err.Error(), err)
		}
		defer resp.Body.Close()

		if classified := classifyStatus(resp, repoID, "modelscope"); classified != nil {
			return classified
		}
		return json.NewDecoder(resp.Body).Decode(&parsed)
	})
	if err != nil {
		return nil, err
	}

	files := make([]repoapi.RepoFile, 0, len(parsed.Data.Files))
	for _, f := range parsed.Data.Files {
		files = append(files, repoapi.RepoFile{Path: f.Path, Size: f.Size, Type: f.Type})
	}
	return files, nil
}

// DownloadFile fetches one file with Range-based resume, identical in
// shape to huggingface.Provider.DownloadFile.
func (p *Provider) DownloadFile(ctx context.Context, req repoapi.DownloadFileRequest) (string, error) {
	finalPath := filepath.Join(req.LocalDir, filepath.FromSlash(req.FilePath))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("modelscope: mkdir: %w", err)
	}
	partPath := finalPath + ".part"

	var resumeFrom int64
	if fi, err := os.Stat(partPath); err == nil {
		resumeFrom = fi.Size()
	}

	fetchURL := fmt.Sprintf("%s/api/v1/models/%s/repo?FilePath=%s",
		p.Endpoint, req.RepoID, url.QueryEscape(req.FilePath))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return "", err
	}
	p.authorize(httpReq)
	if resumeFrom > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", errs.NewNetworkError(fetchURL, err.Error(), err)
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
		return "", fmt.Errorf("modelscope: open part file: %w", err)
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
			return "", errs.NewNetworkError(fetchURL, readErr.Error(), readErr)
		}
	}

	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		return "", fmt.Errorf("modelscope: rename: %w", err)
	}
	return finalPath, nil
}

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
