package feed2mobi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beevik/etree"
)

// FetchResult is the outcome of a conditional fetch: either the feed was
// not modified since the supplied validators, or a freshly parsed document
// plus the new validators.
type FetchResult struct {
	NotModified  bool
	Feed         *FeedDocument
	LastModified string
	ETag         string
}

// Fetcher retrieves and parses a feed, honoring HTTP cache validators.
type Fetcher interface {
	Fetch(ctx context.Context, url, lastModified, etag string) (*FetchResult, error)
}

// HTTPFetcher fetches feeds over HTTP with a fixed client timeout.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url, lastModified, etag string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	// 304 is a result, not a failure.
	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	feed, err := ParseFeedDocument(url, doc)
	if err != nil {
		return nil, err
	}

	return &FetchResult{
		Feed:         feed,
		LastModified: resp.Header.Get("Last-Modified"),
		ETag:         resp.Header.Get("Etag"),
	}, nil
}
