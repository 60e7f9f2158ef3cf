package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whynot-archive/whynot/internal/archive"
)

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = 5 * time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 20 * time.Millisecond
	}
	client, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestFetch(t *testing.T) {
	t.Run("success returns body and headers", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Etag", `"abc"`)
			fmt.Fprint(w, "<html>ok</html>")
		}))
		defer srv.Close()

		client := newTestClient(t, Config{})
		outcome := client.Fetch(context.Background(), archive.FetchRequest{URL: srv.URL + "/page"})

		require.Equal(t, archive.OutcomeFetched, outcome.Class)
		require.Equal(t, 200, outcome.Page.StatusCode)
		require.Equal(t, "<html>ok</html>", string(outcome.Page.Body))
		require.Equal(t, "text/html", outcome.Page.Headers.Get("Content-Type"))
		require.Equal(t, `"abc"`, outcome.Page.Headers.Get("Etag"))
	})

	t.Run("sends conditional headers and surfaces 304", func(t *testing.T) {
		var gotETag, gotModified string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotETag = r.Header.Get("If-None-Match")
			gotModified = r.Header.Get("If-Modified-Since")
			w.WriteHeader(http.StatusNotModified)
		}))
		defer srv.Close()

		client := newTestClient(t, Config{})
		outcome := client.Fetch(context.Background(), archive.FetchRequest{
			URL:          srv.URL + "/page",
			ETag:         `"v2"`,
			LastModified: "Wed, 21 Oct 2015 07:28:00 GMT",
		})

		require.Equal(t, archive.OutcomeNotModified, outcome.Class)
		require.Equal(t, `"v2"`, gotETag)
		require.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", gotModified)
	})

	t.Run("retries 5xx until success", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, "recovered")
		}))
		defer srv.Close()

		client := newTestClient(t, Config{MaxAttempts: 3})
		outcome := client.Fetch(context.Background(), archive.FetchRequest{URL: srv.URL})

		require.Equal(t, archive.OutcomeFetched, outcome.Class)
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("exhausted retries report retryable", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := newTestClient(t, Config{MaxAttempts: 3})
		outcome := client.Fetch(context.Background(), archive.FetchRequest{URL: srv.URL})

		require.Equal(t, archive.OutcomeRetryable, outcome.Class)
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("4xx is terminal without retries", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := newTestClient(t, Config{MaxAttempts: 3})
		outcome := client.Fetch(context.Background(), archive.FetchRequest{URL: srv.URL + "/missing"})

		require.Equal(t, archive.OutcomePermanent, outcome.Class)
		require.Equal(t, 404, outcome.HTTPStatus)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("connection refused is retried then retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		deadURL := srv.URL
		srv.Close()

		client := newTestClient(t, Config{MaxAttempts: 2})
		outcome := client.Fetch(context.Background(), archive.FetchRequest{URL: deadURL})

		require.Equal(t, archive.OutcomeRetryable, outcome.Class)
		require.Error(t, outcome.Err)
	})

	t.Run("canceled context stops the retry loop", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		client := newTestClient(t, Config{MaxAttempts: 5, BackoffInitial: time.Second})
		outcome := client.Fetch(ctx, archive.FetchRequest{URL: srv.URL})

		require.Equal(t, archive.OutcomePermanent, outcome.Class)
		require.ErrorIs(t, outcome.Err, context.Canceled)
	})

	t.Run("custom user agent reaches the server", func(t *testing.T) {
		var gotAgent string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAgent = r.Header.Get("User-Agent")
		}))
		defer srv.Close()

		client := newTestClient(t, Config{UserAgent: "archive-test/0.1"})
		outcome := client.Fetch(context.Background(), archive.FetchRequest{URL: srv.URL})

		require.Equal(t, archive.OutcomeFetched, outcome.Class)
		require.Equal(t, "archive-test/0.1", gotAgent)
	})

	t.Run("rejects malformed proxy url", func(t *testing.T) {
		_, err := New(Config{Proxy: "://bad"}, zap.NewNop())
		require.Error(t, err)
	})
}

func TestBackoffPolicy(t *testing.T) {
	t.Run("delays grow and respect the cap", func(t *testing.T) {
		policy := NewBackoffPolicy(5, 10*time.Millisecond, 40*time.Millisecond)
		for attempt := 0; attempt < 5; attempt++ {
			d := policy.Backoff(attempt)
			require.Greater(t, d, time.Duration(0))
			require.LessOrEqual(t, d, 40*time.Millisecond+40*time.Millisecond/2)
		}
	})

	t.Run("defaults applied for zero values", func(t *testing.T) {
		policy := NewBackoffPolicy(0, 0, 0)
		require.Equal(t, 3, policy.MaxAttempts())
		require.Greater(t, policy.Backoff(0), time.Duration(0))
	})
}
