// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"context"
	"io"
	"net/http"

	aia "github.com/fcjr/aia-transport-go"
	"github.com/gregjones/httpcache"
)

// Fetcher retrieves the raw bytes of a remote resource.  Errors are
// passed through to callers of the engine unmodified.
type Fetcher interface {
	Fetch(ctx context.Context, link string) ([]byte, error)
}

// FetcherFunc adapts an ordinary function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, link string) ([]byte, error)

// Fetch calls f(ctx, link).
func (f FetcherFunc) Fetch(ctx context.Context, link string) ([]byte, error) {
	return f(ctx, link)
}

// HTTPFetcher is a Fetcher for http and https URLs.
type HTTPFetcher struct {
	Client *http.Client // client used to fetch remote URLs

	// UserAgent, if set, is sent with every request.
	UserAgent string
}

// NewHTTPFetcher constructs a new HTTPFetcher.  The provided http
// RoundTripper will be used to fetch remote URLs.  If nil is provided, a
// transport that can complete missing intermediate certificate chains is
// used, falling back to http.DefaultTransport.  If cache is not nil,
// responses are cached according to their HTTP caching headers.
func NewHTTPFetcher(transport http.RoundTripper, cache httpcache.Cache) *HTTPFetcher {
	if transport == nil {
		if t, err := aia.NewTransport(); err == nil {
			transport = t
		} else {
			transport = http.DefaultTransport
		}
	}
	if cache != nil {
		transport = &httpcache.Transport{
			Transport:           transport,
			Cache:               cache,
			MarkCachedResponses: true,
		}
	}
	return &HTTPFetcher{Client: &http.Client{Transport: transport}}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.Header.Get(httpcache.XFromCache) == "1" {
		cacheHits.WithLabelValues("http").Inc()
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: link, Code: resp.StatusCode, Status: resp.Status}
	}
	return io.ReadAll(resp.Body)
}
