// Package parser extracts and classifies links and asset references from
// fetched HTML. Parsing is best-effort: malformed markup degrades to
// partial extraction and never aborts a crawl.
package parser

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/whynot-archive/whynot/internal/archive"
)

// Parser walks HTML documents with the classifier's rule table.
type Parser struct {
	classifier *Classifier
	logger     *zap.Logger
}

// New constructs a Parser.
func New(classifier *Classifier, logger *zap.Logger) *Parser {
	return &Parser{classifier: classifier, logger: logger}
}

// Parse extracts anchors and image references from body, resolves them
// against baseURL, and classifies each. Non-HTML content and unparsable
// documents yield an empty result.
func (p *Parser) Parse(contentType string, body []byte, baseURL string) archive.ParseResult {
	var result archive.ParseResult
	if !isHTML(contentType) {
		return result
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("html parse failed, skipping document",
			zap.String("url", baseURL),
			zap.Error(err),
		)
		return result
	}

	result.Title = strings.TrimSpace(doc.Find("title").First().Text())

	seen := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs, ok := p.resolve(baseURL, href)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}

		kind, followable := p.classifier.Classify(abs)
		if !followable {
			result.OutLinks = append(result.OutLinks, abs)
			return
		}
		result.Links = append(result.Links, archive.ClassifiedURL{URL: abs, Kind: kind})
	})

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok {
			p.addAsset(baseURL, src, seen, &result)
		}
		if srcset, ok := sel.Attr("srcset"); ok {
			for _, candidate := range splitSrcset(srcset) {
				p.addAsset(baseURL, candidate, seen, &result)
			}
		}
	})

	return result
}

func (p *Parser) addAsset(baseURL, ref string, seen map[string]struct{}, result *archive.ParseResult) {
	abs, ok := p.resolve(baseURL, ref)
	if !ok {
		return
	}
	if _, dup := seen[abs]; dup {
		return
	}
	seen[abs] = struct{}{}

	if _, followable := p.classifier.Classify(abs); !followable {
		result.OutLinks = append(result.OutLinks, abs)
		return
	}
	result.Assets = append(result.Assets, abs)
}

func (p *Parser) resolve(baseURL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") ||
		strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "mailto:") ||
		strings.HasPrefix(ref, "data:") {
		return "", false
	}
	abs, err := archive.ResolveURL(baseURL, ref)
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(abs, "http://") && !strings.HasPrefix(abs, "https://") {
		return "", false
	}
	return abs, true
}

// splitSrcset returns the URL part of each srcset candidate.
func splitSrcset(srcset string) []string {
	var out []string
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(candidate))
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}
