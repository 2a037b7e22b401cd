// Package hub downloads dataset files from the Hugging Face Hub into a
// local cache so record sources can address datasets by repo id.
package hub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultEndpoint is the public hub endpoint.
	DefaultEndpoint = "https://huggingface.co"
	// DefaultTimeout bounds a single file download.
	DefaultTimeout = 300 * time.Second
	// DefaultMaxRetries is the number of retries for failed downloads.
	DefaultMaxRetries = 3
	// DefaultRateLimitPerMinute caps download requests against the hub.
	DefaultRateLimitPerMinute = 60
)

// Options configures a Client. Zero values pick the defaults.
type Options struct {
	Endpoint           string
	CacheDir           string
	RateLimitPerMinute int
	MaxRetries         int
}

// Client fetches dataset files from the hub. Downloads are cached by repo id
// and filename; a cached file is never re-fetched.
type Client struct {
	token      string
	endpoint   string
	cacheDir   string
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a hub client. The token may be empty for public
// datasets.
func NewClient(token string, logger *slog.Logger, opts Options) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(os.TempDir(), "prefbatch-hub")
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	rps := float64(opts.RateLimitPerMinute) / 60.0
	burst := opts.RateLimitPerMinute / 5
	if burst < 5 {
		burst = 5
	}

	return &Client{
		token:      token,
		endpoint:   strings.TrimRight(opts.Endpoint, "/"),
		cacheDir:   opts.CacheDir,
		maxRetries: opts.MaxRetries,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger.With("component", "hub"),
	}
}

// ResolveURL builds the raw-file URL for a dataset repo file.
func (c *Client) ResolveURL(repoID, filename string) string {
	return fmt.Sprintf("%s/datasets/%s/resolve/main/%s", c.endpoint, repoID, filename)
}

// CachePath returns where a repo file lands in the local cache.
func (c *Client) CachePath(repoID, filename string) string {
	return filepath.Join(c.cacheDir, strings.ReplaceAll(repoID, "/", "--"), filename)
}

// Download fetches one dataset file, returning the local path. Cached files
// are returned immediately.
func (c *Client) Download(ctx context.Context, repoID, filename string) (string, error) {
	localPath := c.CachePath(repoID, filename)
	if _, err := os.Stat(localPath); err == nil {
		c.logger.Debug("Hub cache hit", "repo_id", repoID, "file", filename)
		return localPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	url := c.ResolveURL(repoID, filename)
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter wait failed: %w", err)
		}

		if err := c.fetch(ctx, url, localPath); err != nil {
			lastErr = err
			c.logger.Warn("Hub download failed",
				"repo_id", repoID,
				"file", filename,
				"attempt", attempt,
				"error", err)
			continue
		}

		c.logger.Info("Downloaded dataset file", "repo_id", repoID, "file", filename, "path", localPath)
		return localPath, nil
	}

	return "", fmt.Errorf("failed to download %s from %s after %d attempts: %w", filename, repoID, c.maxRetries, lastErr)
}

// fetch performs one GET and writes the body through a temp file so a
// partial download never lands in the cache.
func (c *Client) fetch(ctx context.Context, url, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return fmt.Errorf("failed to move download into cache: %w", err)
	}
	return nil
}

// IsRepoID reports whether a dataset location looks like a hub repo id
// (owner/name) rather than a filesystem path.
func IsRepoID(location string) bool {
	if strings.HasPrefix(location, ".") || strings.HasPrefix(location, "/") || strings.HasPrefix(location, "~") {
		return false
	}
	parts := strings.Split(location, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != "" && !strings.Contains(parts[1], ".")
}
