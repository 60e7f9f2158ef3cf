package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whynot-archive/whynot/internal/archive"
)

type mapLookup map[string]archive.Record

func (m mapLookup) GetRecord(_ context.Context, url string) (archive.Record, error) {
	if rec, ok := m[url]; ok {
		return rec, nil
	}
	return archive.Record{}, archive.ErrNotFound
}

func TestRewrite(t *testing.T) {
	lookup := mapLookup{
		"https://site.test/other": {URL: "https://site.test/other", ContentHash: "aaa"},
		"https://site.test/a.jpg": {URL: "https://site.test/a.jpg", ContentHash: "bbb"},
		"https://site.test/b.jpg": {URL: "https://site.test/b.jpg", ContentHash: "ccc"},
	}
	rw := NewRewriter(lookup, zap.NewNop())

	t.Run("relative anchors resolve against the page url", func(t *testing.T) {
		out := string(rw.Rewrite(context.Background(),
			[]byte(`<html><body><a href="other">x</a></body></html>`),
			"https://site.test/story"))
		require.Contains(t, out, `href="/other"`)
	})

	t.Run("srcset candidates keep their descriptors", func(t *testing.T) {
		out := string(rw.Rewrite(context.Background(),
			[]byte(`<html><body><img srcset="/a.jpg 1x, /b.jpg 2x, /missing.jpg 3x"></body></html>`),
			"https://site.test/story"))
		require.Contains(t, out, "/imgs/bbb 1x")
		require.Contains(t, out, "/imgs/ccc 2x")
		require.Contains(t, out, "/missing.jpg 3x")
	})

	t.Run("fragment and mailto links are untouched", func(t *testing.T) {
		in := `<html><body><a href="#top">top</a><a href="mailto:a@b.c">mail</a></body></html>`
		out := string(rw.Rewrite(context.Background(), []byte(in), "https://site.test/story"))
		require.Contains(t, out, `href="#top"`)
		require.Contains(t, out, `href="mailto:a@b.c"`)
	})

	t.Run("document without archived references keeps its content", func(t *testing.T) {
		in := []byte(`<html><body><p>plain text</p></body></html>`)
		out := string(rw.Rewrite(context.Background(), in, "https://site.test/story"))
		require.Contains(t, out, "<p>plain text</p>")
	})
}
