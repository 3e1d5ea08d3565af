package ingest

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbtatracker-data/internal/ingest/retry"
)

const UserAgent = "mbtatracker-data/1.0"

// NewHTTPClient returns the shared transport configuration for all sources.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// DoRequest executes req and returns the body and response ETag, translating
// non-2xx statuses into retry.HTTPError so the retry executor can classify
// them. A 304 is surfaced as ErrNotModified for callers holding a cached copy.
func DoRequest(ctx context.Context, client *http.Client, req *http.Request) ([]byte, string, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		// Drain before close so the keep-alive connection is reusable.
		io.Copy(io.Discard, resp.Body)
		return nil, "", ErrNotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &retry.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				httpErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		io.Copy(io.Discard, resp.Body)
		return nil, "", httpErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("ETag"), nil
}

// ErrNotModified signals a conditional fetch hit (HTTP 304); the caller's
// cached payload is still current.
var ErrNotModified = errNotModified{}

type errNotModified struct{}

func (errNotModified) Error() string { return "feed not modified" }
