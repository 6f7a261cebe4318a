package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FetchResult contains the raw content of a fetched module
type FetchResult struct {
	// Content is the response body
	Content []byte

	// FinalURL is the URL that produced Content, after redirects
	FinalURL string

	// Digest is a content hash, for logging and change detection
	Digest string

	// Source describes where the module was fetched from
	Source string
}

// Fetcher retrieves raw module content for a path
type Fetcher interface {
	// Fetch retrieves the module at path. Failures are reported as *FetchError.
	Fetch(ctx context.Context, path string) (*FetchResult, error)

	// Type returns the type of fetcher (for logging and metrics)
	Type() string
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, path string) (*FetchResult, error)

// Fetch calls f(ctx, path)
func (f FetcherFunc) Fetch(ctx context.Context, path string) (*FetchResult, error) {
	return f(ctx, path)
}

// Type returns "func"
func (f FetcherFunc) Type() string {
	return "func"
}

// HTTPFetcher fetches modules with plain GET requests. It imposes no timeout
// or retry policy; the caller's context governs cancellation.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher using client, or http.DefaultClient when nil
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

// Type returns the fetcher type
func (f *HTTPFetcher) Type() string {
	return "http"
}

// Fetch issues a GET for path and returns the body along with the final URL
func (f *HTTPFetcher) Fetch(ctx context.Context, path string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &FetchError{Path: path, Err: fmt.Errorf("failed to build request: %w", err)}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{
			Path:       path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	finalURL := path
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &FetchResult{
		Content:  content,
		FinalURL: finalURL,
		Digest:   fmt.Sprintf("%x", xxhash.Sum64(content)),
		Source:   finalURL,
	}, nil
}

// ResolveDirOf returns the path of the directory containing rawURL, with a
// trailing slash: https://cdn/pkg@1.0.0/index.js yields /pkg@1.0.0/.
func ResolveDirOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid module URL %q: %w", rawURL, err)
	}
	dir := u.ResolveReference(&url.URL{Path: "./"})
	if dir.Path == "" {
		return "/", nil
	}
	return dir.Path, nil
}

// timedFetch runs fetcher.Fetch and records its duration under rule
func timedFetch(ctx context.Context, fetcher Fetcher, rule, path string) (*FetchResult, error) {
	start := time.Now()
	result, err := fetcher.Fetch(ctx, path)
	status := "success"
	if err != nil {
		status = "error"
	}
	RecordFetch(rule, status, time.Since(start).Seconds())
	return result, err
}
