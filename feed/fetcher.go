/*
Package feed fetches syndication feeds over HTTP and flattens their items.

Key Functions:
  - Fetcher.FetchBody: bounded HTTP GET returning the raw document.
  - Parse: RSS/Atom parsing into RawItem records.
  - Fetcher.Fetch: both of the above.

Errors are typed: ErrFetchTimeout (via errors.Is), *HTTPStatusError and *ParseError.
*/
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout is used when the fetcher is built with a zero timeout
	DefaultTimeout = 15 * time.Second
	// DefaultMaxBytes caps the feed body at 10MB
	DefaultMaxBytes int64 = 10 << 20

	userAgent = "job-feed-importer/1.0"
)

// Fetcher retrieves feed documents. It performs no retries.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *logrus.Logger
}

// NewFetcher creates a fetcher bounded by timeout and maxBytes
func NewFetcher(timeout time.Duration, maxBytes int64, logger *logrus.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{
		client:   &http.Client{},
		timeout:  timeout,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Fetch downloads and parses the feed at url
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]RawItem, error) {
	body, err := f.FetchBody(ctx, url)
	if err != nil {
		return nil, err
	}
	return Parse(url, body)
}

// FetchBody downloads the feed document. The in-flight request is cancelled
// when the timeout elapses.
func (f *Fetcher) FetchBody(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.transportError(ctx, reqCtx, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused
		io.CopyN(io.Discard, resp.Body, 4096)
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, f.transportError(ctx, reqCtx, url, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &FetchError{URL: url, Err: ErrBodyTooLarge}
	}

	f.logger.WithFields(logrus.Fields{
		"source_url":  url,
		"status":      resp.StatusCode,
		"bytes":       len(body),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Feed fetched")

	return body, nil
}

// transportError distinguishes our own timeout from cancellation by the caller
func (f *Fetcher) transportError(parent, reqCtx context.Context, url string, err error) error {
	if parent.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return &FetchError{URL: url, Err: fmt.Errorf("%w after %s", ErrFetchTimeout, f.timeout)}
	}
	return &FetchError{URL: url, Err: err}
}
