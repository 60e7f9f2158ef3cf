// Package server serves a crawled archive as a browsable mirror of the
// original site.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/whynot-archive/whynot/internal/archive"
	"github.com/whynot-archive/whynot/internal/metrics"
)

//go:embed assets/style.css
var styleCSS []byte

//go:embed assets/favicon.ico
var faviconICO []byte

//go:embed templates/*.tmpl
var templateFS embed.FS

// listPageSize is the number of articles per index page.
const listPageSize = 20

// assetCacheControl marks immutable responses; blobs are content
// addressed, so a hash can never serve different bytes.
const assetCacheControl = "public, max-age=31536000, immutable"

// Config controls the archive server.
type Config struct {
	Addr        string
	SiteBaseURL string
}

// Store is the read side of the record store the server needs.
type Store interface {
	GetRecord(ctx context.Context, url string) (archive.Record, error)
	GetRecordByHash(ctx context.Context, hash string) (archive.Record, error)
	ListRecords(ctx context.Context, kind archive.Kind, limit, offset int) ([]archive.Record, error)
	CountRecords(ctx context.Context, kind archive.Kind) (int, error)
	ListRecordsByPrefix(ctx context.Context, prefix string, kind archive.Kind, limit, offset int) ([]archive.Record, error)
	CountRecordsByPrefix(ctx context.Context, prefix string, kind archive.Kind) (int, error)
}

// Server wires HTTP handlers to the record and blob stores.
type Server struct {
	router   chi.Router
	store    Store
	blobs    archive.BlobStore
	rewriter *Rewriter
	site     *url.URL
	logger   *zap.Logger

	indexTmpl    *template.Template
	notFoundTmpl *template.Template
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, store Store, blobs archive.BlobStore, logger *zap.Logger) (*Server, error) {
	site, err := url.Parse(cfg.SiteBaseURL)
	if err != nil || site.Scheme == "" || site.Host == "" {
		return nil, fmt.Errorf("invalid site base url %q", cfg.SiteBaseURL)
	}

	indexTmpl, err := template.ParseFS(templateFS, "templates/index.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}
	notFoundTmpl, err := template.ParseFS(templateFS, "templates/notfound.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse notfound template: %w", err)
	}

	s := &Server{
		store:        store,
		blobs:        blobs,
		rewriter:     NewRewriter(store, logger),
		site:         site,
		logger:       logger,
		indexTmpl:    indexTmpl,
		notFoundTmpl: notFoundTmpl,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/style.css", s.styleSheet)
	r.Get("/favicon.ico", s.favicon)
	r.Get("/imgs/{hash}", s.serveBlob)
	r.Get("/", s.index)
	r.NotFound(s.servePage)

	s.router = r
	return s, nil
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("archive server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) styleSheet(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", assetCacheControl)
	_, _ = w.Write(styleCSS)
}

func (s *Server) favicon(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/x-icon")
	w.Header().Set("Cache-Control", assetCacheControl)
	_, _ = w.Write(faviconICO)
}

// serveBlob streams one content-addressed blob. The content type comes
// from any record sharing the hash.
func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	data, err := s.blobs.GetBlob(hash)
	if err != nil {
		s.notFound(w)
		return
	}

	contentType := http.DetectContentType(data)
	if rec, err := s.store.GetRecordByHash(r.Context(), hash); err == nil && rec.ContentType != "" {
		contentType = rec.ContentType
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", assetCacheControl)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// indexView is what the index template renders. BasePath is the mirror
// path pagination links point at, "/" for the front page.
type indexView struct {
	Records     []indexRow
	Total       int
	Page        int
	HasNext     bool
	PrevPage    int
	NextPage    int
	DisplayPage int
	BasePath    string
}

type indexRow struct {
	Title     string
	LocalPath string
	FetchedAt time.Time
}

// index renders the paginated article listing, newest first.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	page := 0
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.badRequest(w, "invalid page number")
			return
		}
		page = n
	}

	recs, err := s.store.ListRecords(r.Context(), archive.KindArticle, listPageSize+1, page*listPageSize)
	if err != nil {
		s.internalError(w, err)
		return
	}
	total, err := s.store.CountRecords(r.Context(), archive.KindArticle)
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.renderListing(w, recs, total, page, "/")
}

// sectionIndex renders a generated listing of archived articles beneath
// a path that has no stored body of its own, mirroring the site's
// section pages. Paths with nothing archived beneath them stay 404s.
func (s *Server) sectionIndex(w http.ResponseWriter, r *http.Request) {
	page := 0
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.notFound(w)
			return
		}
		page = n
	}

	base, err := s.canonicalURL(r.URL.Path, "")
	if err != nil {
		s.badRequest(w, "malformed path")
		return
	}
	prefix := strings.TrimRight(base, "/") + "/"

	total, err := s.store.CountRecordsByPrefix(r.Context(), prefix, archive.KindArticle)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if total == 0 {
		s.notFound(w)
		return
	}

	recs, err := s.store.ListRecordsByPrefix(r.Context(), prefix, archive.KindArticle, listPageSize+1, page*listPageSize)
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.renderListing(w, recs, total, page, r.URL.Path)
}

func (s *Server) renderListing(w http.ResponseWriter, recs []archive.Record, total, page int, basePath string) {
	hasNext := len(recs) > listPageSize
	if hasNext {
		recs = recs[:listPageSize]
	}

	rows := make([]indexRow, 0, len(recs))
	for _, rec := range recs {
		title := rec.Title
		if title == "" {
			title = localPath(rec.URL)
		}
		rows = append(rows, indexRow{
			Title:     title,
			LocalPath: localPath(rec.URL),
			FetchedAt: rec.FetchedAt,
		})
	}

	view := indexView{
		Records:     rows,
		Total:       total,
		Page:        page,
		HasNext:     hasNext,
		PrevPage:    page - 1,
		NextPage:    page + 1,
		DisplayPage: page + 1,
		BasePath:    basePath,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.indexTmpl.Execute(w, view); err != nil {
		s.logger.Error("render listing failed", zap.Error(err))
	}
}

// servePage resolves a mirror path to its archived record and serves
// the stored content, rewriting HTML so archived links stay local.
func (s *Server) servePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p := r.URL.Path
	if p != "/" && strings.HasSuffix(p, "/") {
		target := strings.TrimRight(p, "/")
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	canonical, err := s.canonicalURL(p, r.URL.RawQuery)
	if err != nil {
		s.badRequest(w, "malformed path")
		return
	}

	rec, err := s.store.GetRecord(r.Context(), canonical)
	if errors.Is(err, archive.ErrNotFound) {
		s.sectionIndex(w, r)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	body, err := s.blobs.GetBlob(rec.ContentHash)
	if err != nil {
		s.internalError(w, fmt.Errorf("blob missing for %s: %w", rec.URL, err))
		return
	}

	if isHTML(rec.ContentType) {
		body = s.rewriter.Rewrite(r.Context(), body, rec.URL)
	} else {
		// URL-addressed content can change on a later crawl; only the
		// hash-addressed /imgs/ routes are immutable.
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

// canonicalURL maps a mirror-local path back to the normalized source
// URL records are keyed by.
func (s *Server) canonicalURL(p, rawQuery string) (string, error) {
	u := &url.URL{
		Scheme:   s.site.Scheme,
		Host:     s.site.Host,
		Path:     p,
		RawQuery: rawQuery,
	}
	return archive.NormalizeURL(u.String())
}

func (s *Server) notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	if err := s.notFoundTmpl.Execute(w, nil); err != nil {
		s.logger.Error("render notfound failed", zap.Error(err))
	}
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}
