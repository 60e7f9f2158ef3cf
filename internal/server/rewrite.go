package server

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/whynot-archive/whynot/internal/archive"
)

// RecordLookup is the read-only slice of the record store the rewriter
// needs.
type RecordLookup interface {
	GetRecord(ctx context.Context, url string) (archive.Record, error)
}

// Rewriter rewrites archived HTML so archived links point back into the
// mirror. Anchors to archived pages become local paths, image sources
// become blob paths, and everything not in the archive is left exactly
// as fetched.
type Rewriter struct {
	records RecordLookup
	logger  *zap.Logger
}

// NewRewriter constructs a Rewriter.
func NewRewriter(records RecordLookup, logger *zap.Logger) *Rewriter {
	return &Rewriter{records: records, logger: logger}
}

// Rewrite returns body with archived references rewritten. A body that
// fails to parse is returned unchanged.
func (rw *Rewriter) Rewrite(ctx context.Context, body []byte, pageURL string) []byte {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		rw.logger.Warn("rewrite parse failed, serving original",
			zap.String("url", pageURL),
			zap.Error(err),
		)
		return body
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if local, ok := rw.localPage(ctx, pageURL, href); ok {
			sel.SetAttr("href", local)
		}
	})

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok {
			if local, ok := rw.localBlob(ctx, pageURL, src); ok {
				sel.SetAttr("src", local)
			}
		}
		if srcset, ok := sel.Attr("srcset"); ok {
			sel.SetAttr("srcset", rw.rewriteSrcset(ctx, pageURL, srcset))
		}
	})

	html, err := doc.Html()
	if err != nil {
		rw.logger.Warn("rewrite render failed, serving original",
			zap.String("url", pageURL),
			zap.Error(err),
		)
		return body
	}
	return []byte(html)
}

// localPage maps an anchor target to its local path when the target is
// archived.
func (rw *Rewriter) localPage(ctx context.Context, pageURL, ref string) (string, bool) {
	rec, ok := rw.lookup(ctx, pageURL, ref)
	if !ok {
		return "", false
	}
	return localPath(rec.URL), true
}

// localBlob maps an image reference to its blob path when the image is
// archived.
func (rw *Rewriter) localBlob(ctx context.Context, pageURL, ref string) (string, bool) {
	rec, ok := rw.lookup(ctx, pageURL, ref)
	if !ok {
		return "", false
	}
	return "/imgs/" + rec.ContentHash, true
}

func (rw *Rewriter) lookup(ctx context.Context, pageURL, ref string) (archive.Record, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") ||
		strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "mailto:") ||
		strings.HasPrefix(ref, "data:") {
		return archive.Record{}, false
	}
	abs, err := archive.ResolveURL(pageURL, ref)
	if err != nil {
		return archive.Record{}, false
	}
	norm, err := archive.NormalizeURL(abs)
	if err != nil {
		return archive.Record{}, false
	}
	rec, err := rw.records.GetRecord(ctx, norm)
	if err != nil {
		return archive.Record{}, false
	}
	return rec, true
}

// rewriteSrcset rewrites each archived candidate URL, keeping the width
// and density descriptors intact.
func (rw *Rewriter) rewriteSrcset(ctx context.Context, pageURL, srcset string) string {
	candidates := strings.Split(srcset, ",")
	out := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		fields := strings.Fields(strings.TrimSpace(candidate))
		if len(fields) == 0 {
			continue
		}
		if local, ok := rw.localBlob(ctx, pageURL, fields[0]); ok {
			fields[0] = local
		}
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, ", ")
}

// localPath converts a canonical source URL into the mirror-local path
// it is served under.
func localPath(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return canonical
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
