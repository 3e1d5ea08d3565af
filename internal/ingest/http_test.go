package ingest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/mbtatracker-data/internal/ingest/retry"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// trackingBody reports whether a response body was fully read and closed,
// which is what the transport needs to reuse the connection.
type trackingBody struct {
	r      *bytes.Reader
	closed bool
}

func newTrackingBody(s string) *trackingBody {
	return &trackingBody{r: bytes.NewReader([]byte(s))}
}

func (b *trackingBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func (b *trackingBody) drained() bool { return b.r.Len() == 0 }

func doTracked(t *testing.T, status int, header http.Header) (*trackingBody, error) {
	t.Helper()
	body := newTrackingBody("response payload")
	client := &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: status,
				Status:     http.StatusText(status),
				Header:     header,
				Body:       body,
				Request:    r,
			}, nil
		}),
	}
	req, err := http.NewRequest(http.MethodGet, "http://upstream.test/feed", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	_, _, doErr := DoRequest(context.Background(), client, req)
	return body, doErr
}

func TestDoRequestDrainsBodyOnErrorStatuses(t *testing.T) {
	cases := []struct {
		name   string
		status int
	}{
		{"not modified", http.StatusNotModified},
		{"server error", http.StatusServiceUnavailable},
		{"client error", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := doTracked(t, tc.status, http.Header{})
			if err == nil {
				t.Fatal("expected an error result")
			}
			if !body.drained() {
				t.Error("response body not drained")
			}
			if !body.closed {
				t.Error("response body not closed")
			}
		})
	}
}

func TestDoRequestTranslatesStatuses(t *testing.T) {
	if _, err := doTracked(t, http.StatusNotModified, http.Header{}); err != ErrNotModified {
		t.Errorf("304: got %v, want ErrNotModified", err)
	}

	_, err := doTracked(t, http.StatusTooManyRequests, http.Header{"Retry-After": {"7"}})
	var httpErr *retry.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("429: got %T, want *retry.HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status code = %d", httpErr.StatusCode)
	}
	if httpErr.RetryAfter != 7*time.Second {
		t.Errorf("retry after = %v, want 7s", httpErr.RetryAfter)
	}
}
