package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/whynot-archive/whynot/internal/archive"
)

// Rules is the data-driven pattern table the classifier runs on. The
// shapes are site-specific and therefore configuration, not code.
type Rules struct {
	// SiteHost is the archived site's hostname; only URLs on this host
	// (or an ImageHost) are followed.
	SiteHost string
	// ListPatterns are regexes matched against path?query that mark a
	// URL as a pagination/listing page.
	ListPatterns []string
	// ArticlePatterns mark content pages. Same-site URLs matching
	// neither table default to article so nothing reachable is lost.
	ArticlePatterns []string
	// ImageHosts are asset/CDN hostnames whose URLs are always images.
	ImageHosts []string
}

// Classifier assigns a Kind to absolute URLs.
type Classifier struct {
	siteHost   string
	list       []*regexp.Regexp
	article    []*regexp.Regexp
	imageHosts map[string]struct{}
}

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {},
}

// NewClassifier compiles the rule table.
func NewClassifier(rules Rules) (*Classifier, error) {
	if rules.SiteHost == "" {
		return nil, fmt.Errorf("classifier: site host is required")
	}
	c := &Classifier{
		siteHost:   strings.ToLower(rules.SiteHost),
		imageHosts: make(map[string]struct{}, len(rules.ImageHosts)),
	}
	for _, p := range rules.ListPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("classifier: list pattern %q: %w", p, err)
		}
		c.list = append(c.list, re)
	}
	for _, p := range rules.ArticlePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("classifier: article pattern %q: %w", p, err)
		}
		c.article = append(c.article, re)
	}
	for _, h := range rules.ImageHosts {
		c.imageHosts[strings.ToLower(h)] = struct{}{}
	}
	return c, nil
}

// Classify maps an absolute URL to a Kind. followable=false marks
// off-site URLs that must be recorded as out-links, never fetched.
func (c *Classifier) Classify(absURL string) (kind archive.Kind, followable bool) {
	u, err := url.Parse(absURL)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())

	if _, ok := c.imageHosts[host]; ok {
		return archive.KindImage, true
	}
	if host != c.siteHost {
		return "", false
	}

	if hasImageExtension(u.Path) {
		return archive.KindImage, true
	}

	target := u.Path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	for _, re := range c.list {
		if re.MatchString(target) {
			return archive.KindList, true
		}
	}
	for _, re := range c.article {
		if re.MatchString(target) {
			return archive.KindArticle, true
		}
	}
	return archive.KindArticle, true
}

// SiteHost returns the configured primary hostname.
func (c *Classifier) SiteHost() string { return c.siteHost }

func hasImageExtension(path string) bool {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(path[idx:])]
	return ok
}
