package spider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whynot-archive/whynot/internal/archive"
	"github.com/whynot-archive/whynot/internal/fetcher"
	"github.com/whynot-archive/whynot/internal/parser"
	"github.com/whynot-archive/whynot/internal/storage/blob"
	"github.com/whynot-archive/whynot/internal/storage/sqlite"
)

// stubFetcher serves canned outcomes keyed by URL.
type stubFetcher struct {
	mu       sync.Mutex
	outcomes map[string]archive.Outcome
	calls    map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		outcomes: make(map[string]archive.Outcome),
		calls:    make(map[string]int),
	}
}

func (f *stubFetcher) set(url string, outcome archive.Outcome) {
	f.outcomes[url] = outcome
}

func (f *stubFetcher) Fetch(_ context.Context, req archive.FetchRequest) archive.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if outcome, ok := f.outcomes[req.URL]; ok {
		return outcome
	}
	return archive.Permanent(404, errors.New("http status 404"))
}

func (f *stubFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func htmlPage(body string) archive.Outcome {
	return archive.Fetched(archive.FetchedPage{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
	})
}

func testDeps(t *testing.T, host string) (*sqlite.RecordStore, *blob.Store, *parser.Parser) {
	t.Helper()
	dir := t.TempDir()
	records, err := sqlite.Open(filepath.Join(dir, "whynot.db"), sqlite.Options{CreateIfNotExists: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })

	blobs, err := blob.New(filepath.Join(dir, "imgs"))
	require.NoError(t, err)

	classifier, err := parser.NewClassifier(parser.Rules{
		SiteHost:     host,
		ListPatterns: []string{`^/index`, `\?page=\d+`},
	})
	require.NoError(t, err)

	return records, blobs, parser.New(classifier, zap.NewNop())
}

func TestRun(t *testing.T) {
	t.Run("crawls seeds through discovered links", func(t *testing.T) {
		records, blobs, p := testDeps(t, "site.test")
		f := newStubFetcher()
		f.set("http://site.test/index", htmlPage(`<a href="/a">a</a><a href="/b">b</a>`))
		f.set("http://site.test/a", htmlPage(`hello a`))
		f.set("http://site.test/b", htmlPage(`hello b`))

		s := New(Config{Seeds: []string{"http://site.test/index"}, Workers: 3},
			f, p, records, records, blobs, nil, zap.NewNop())
		require.NoError(t, s.Run(context.Background()))

		for _, u := range []string{"http://site.test/index", "http://site.test/a", "http://site.test/b"} {
			rec, err := records.GetRecord(context.Background(), u)
			require.NoError(t, err, u)
			require.Equal(t, 200, rec.HTTPStatus)
			require.Equal(t, 1, f.callCount(u), "url %s fetched more than once", u)
		}
	})

	t.Run("seed records archive as list kind", func(t *testing.T) {
		records, blobs, p := testDeps(t, "site.test")
		f := newStubFetcher()
		f.set("http://site.test/index", htmlPage(`empty`))

		s := New(Config{Seeds: []string{"http://site.test/index"}}, f, p, records, records, blobs, nil, zap.NewNop())
		require.NoError(t, s.Run(context.Background()))

		rec, err := records.GetRecord(context.Background(), "http://site.test/index")
		require.NoError(t, err)
		require.Equal(t, archive.KindList, rec.Kind)
	})

	t.Run("permanent failure records a failure row and continues", func(t *testing.T) {
		records, blobs, p := testDeps(t, "site.test")
		f := newStubFetcher()
		f.set("http://site.test/index", htmlPage(`<a href="/gone">gone</a><a href="/ok">ok</a>`))
		f.set("http://site.test/ok", htmlPage(`fine`))
		// /gone falls through to the stub default: permanent 404.

		s := New(Config{Seeds: []string{"http://site.test/index"}, Workers: 2},
			f, p, records, records, blobs, nil, zap.NewNop())
		require.NoError(t, s.Run(context.Background()))

		_, err := records.GetRecord(context.Background(), "http://site.test/gone")
		require.ErrorIs(t, err, archive.ErrNotFound)

		_, err = records.GetRecord(context.Background(), "http://site.test/ok")
		require.NoError(t, err)

		failures, err := records.ListFailures(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, failures, 1)
		require.Equal(t, "http://site.test/gone", failures[0].URL)
		require.Equal(t, 404, failures[0].HTTPStatus)
	})

	t.Run("rejects unusable seeds", func(t *testing.T) {
		records, blobs, p := testDeps(t, "site.test")
		s := New(Config{Seeds: []string{"not a url"}}, newStubFetcher(), p, records, records, blobs, nil, zap.NewNop())
		require.Error(t, s.Run(context.Background()))
	})

	t.Run("terminates for any worker count", func(t *testing.T) {
		for _, workers := range []int{1, 2, 8} {
			t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
				records, blobs, p := testDeps(t, "site.test")
				f := newStubFetcher()
				f.set("http://site.test/index", htmlPage(`<a href="/a">a</a>`))
				f.set("http://site.test/a", htmlPage(`<a href="/index">back</a>`))

				s := New(Config{Seeds: []string{"http://site.test/index"}, Workers: workers},
					f, p, records, records, blobs, nil, zap.NewNop())

				done := make(chan error, 1)
				go func() { done <- s.Run(context.Background()) }()
				select {
				case err := <-done:
					require.NoError(t, err)
				case <-time.After(5 * time.Second):
					t.Fatal("crawl did not terminate")
				}
				require.Equal(t, 1, f.callCount("http://site.test/index"))
				require.Equal(t, 1, f.callCount("http://site.test/a"))
			})
		}
	})
}

// TestRunIntegration drives the full stack against a live test server:
// seed /index lists /a and /b, which embed the same image bytes under
// two different names.
func TestRunIntegration(t *testing.T) {
	imageBytes := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x01, 0x02}

	var mu sync.Mutex
	hits := make(map[string]int)

	mux := http.NewServeMux()
	mux.HandleFunc("/index", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/a">a</a> <a href="/b">b</a></body></html>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><img src="/image1.png"></body></html>`)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><img src="/image2.png"></body></html>`)
	})
	serveImage := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(imageBytes)
	}
	mux.HandleFunc("/image1.png", serveImage)
	mux.HandleFunc("/image2.png", serveImage)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	records, err := sqlite.Open(filepath.Join(dir, "whynot.db"), sqlite.Options{CreateIfNotExists: true})
	require.NoError(t, err)
	defer records.Close()
	blobs, err := blob.New(filepath.Join(dir, "imgs"))
	require.NoError(t, err)

	classifier, err := parser.NewClassifier(parser.Rules{
		SiteHost:     u.Hostname(),
		ListPatterns: []string{`^/index`},
	})
	require.NoError(t, err)
	p := parser.New(classifier, zap.NewNop())

	client, err := fetcher.New(fetcher.Config{
		Timeout:     5 * time.Second,
		MaxAttempts: 2,
	}, zap.NewNop())
	require.NoError(t, err)

	s := New(Config{Seeds: []string{srv.URL + "/index"}, Workers: 4},
		client, p, records, records, blobs, nil, zap.NewNop())
	require.NoError(t, s.Run(context.Background()))

	ctx := context.Background()

	t.Run("all pages and images archived", func(t *testing.T) {
		for _, path := range []string{"/index", "/a", "/b", "/image1.png", "/image2.png"} {
			norm, err := archive.NormalizeURL(srv.URL + path)
			require.NoError(t, err)
			_, err = records.GetRecord(ctx, norm)
			require.NoError(t, err, path)
		}
	})

	t.Run("identical image bytes stored as one blob", func(t *testing.T) {
		norm1, _ := archive.NormalizeURL(srv.URL + "/image1.png")
		norm2, _ := archive.NormalizeURL(srv.URL + "/image2.png")
		rec1, err := records.GetRecord(ctx, norm1)
		require.NoError(t, err)
		rec2, err := records.GetRecord(ctx, norm2)
		require.NoError(t, err)
		require.Equal(t, rec1.ContentHash, rec2.ContentHash)
		require.Equal(t, rec1.StorageRef, rec2.StorageRef)

		entries, err := os.ReadDir(filepath.Join(dir, "imgs"))
		require.NoError(t, err)
		imageBlobs := 0
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(dir, "imgs", e.Name()))
			require.NoError(t, err)
			if string(data) == string(imageBytes) {
				imageBlobs++
			}
		}
		require.Equal(t, 1, imageBlobs)
	})

	t.Run("no url fetched twice in one run", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()
		for path, count := range hits {
			require.Equal(t, 1, count, "path %s fetched %d times", path, count)
		}
	})
}

// TestIdempotentRecrawl runs the spider twice against an unchanged site
// that supports conditional requests and expects an identical archive
// with no duplicate blobs or downloads.
func TestIdempotentRecrawl(t *testing.T) {
	const etag = `"v1"`
	page := `<html><body><a href="/story">story</a></body></html>`

	conditional := func(body, contentType string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("Etag", etag)
			w.Header().Set("Content-Type", contentType)
			fmt.Fprint(w, body)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/index", conditional(page, "text/html"))
	mux.HandleFunc("/story", conditional(`<html><body>story text</body></html>`, "text/html"))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	records, err := sqlite.Open(filepath.Join(dir, "whynot.db"), sqlite.Options{CreateIfNotExists: true})
	require.NoError(t, err)
	defer records.Close()
	blobs, err := blob.New(filepath.Join(dir, "imgs"))
	require.NoError(t, err)

	classifier, err := parser.NewClassifier(parser.Rules{
		SiteHost:     u.Hostname(),
		ListPatterns: []string{`^/index`},
	})
	require.NoError(t, err)
	p := parser.New(classifier, zap.NewNop())

	client, err := fetcher.New(fetcher.Config{Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	run := func() {
		s := New(Config{Seeds: []string{srv.URL + "/index"}, Workers: 2},
			client, p, records, records, blobs, nil, zap.NewNop())
		require.NoError(t, s.Run(context.Background()))
	}

	run()
	first, err := records.ListRecords(context.Background(), "", 100, 0)
	require.NoError(t, err)
	blobsBefore, err := os.ReadDir(filepath.Join(dir, "imgs"))
	require.NoError(t, err)

	run()
	second, err := records.ListRecords(context.Background(), "", 100, 0)
	require.NoError(t, err)
	blobsAfter, err := os.ReadDir(filepath.Join(dir, "imgs"))
	require.NoError(t, err)

	require.Len(t, second, len(first))
	hashes := func(recs []archive.Record) map[string]string {
		m := make(map[string]string)
		for _, r := range recs {
			m[r.URL] = r.ContentHash
		}
		return m
	}
	require.Equal(t, hashes(first), hashes(second))
	require.Len(t, blobsAfter, len(blobsBefore))
}

// TestRecrawlRestoresMissingBlob removes a stored blob between runs and
// expects the second run to skip revalidation and download the content
// again, rather than taking a 304 that would leave the record pointing
// at nothing.
func TestRecrawlRestoresMissingBlob(t *testing.T) {
	const etag = `"v1"`
	mux := http.NewServeMux()
	mux.HandleFunc("/index", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", etag)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>index body</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	records, err := sqlite.Open(filepath.Join(dir, "whynot.db"), sqlite.Options{CreateIfNotExists: true})
	require.NoError(t, err)
	defer records.Close()
	blobs, err := blob.New(filepath.Join(dir, "imgs"))
	require.NoError(t, err)

	classifier, err := parser.NewClassifier(parser.Rules{
		SiteHost:     u.Hostname(),
		ListPatterns: []string{`^/index`},
	})
	require.NoError(t, err)
	p := parser.New(classifier, zap.NewNop())

	client, err := fetcher.New(fetcher.Config{Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	run := func() {
		s := New(Config{Seeds: []string{srv.URL + "/index"}, Workers: 1},
			client, p, records, records, blobs, nil, zap.NewNop())
		require.NoError(t, s.Run(context.Background()))
	}

	run()
	norm, err := archive.NormalizeURL(srv.URL + "/index")
	require.NoError(t, err)
	rec, err := records.GetRecord(context.Background(), norm)
	require.NoError(t, err)

	blobPath := filepath.Join(dir, "imgs", rec.ContentHash)
	require.NoError(t, os.Remove(blobPath))

	run()
	require.FileExists(t, blobPath)
	again, err := records.GetRecord(context.Background(), norm)
	require.NoError(t, err)
	require.Equal(t, rec.ContentHash, again.ContentHash)
}
