package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Fetcher opens a remote resource for reading. size is -1 when unknown.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body io.ReadCloser, size int64, err error)
}

// HTTPClient is the subset of *http.Client the fetcher needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Retryable reports whether the status may succeed on a later attempt:
// server errors, timeouts and throttling.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 400 && e.Code < 500:
		return false
	}
	return true
}

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// HTTPFetcher fetches over HTTP(S).
type HTTPFetcher struct {
	Client    HTTPClient
	UserAgent string
}

// NewHTTPFetcher returns a fetcher using client, or http.DefaultClient.
func NewHTTPFetcher(client HTTPClient, userAgent string) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client, UserAgent: userAgent}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, 0, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}
