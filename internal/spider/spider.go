// Package spider runs the crawl pipeline: a bounded worker pool that
// drains the frontier, fetches and parses pages, persists them, and
// feeds newly discovered URLs back in.
package spider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whynot-archive/whynot/internal/archive"
	"github.com/whynot-archive/whynot/internal/frontier"
	"github.com/whynot-archive/whynot/internal/metrics"
)

// Config controls one crawl run.
type Config struct {
	Seeds           []string
	Workers         int
	PolitenessDelay time.Duration
}

// OutLinkStore is the slice of the record store the spider needs for
// off-site references.
type OutLinkStore interface {
	PutOutLink(ctx context.Context, url, parent string) error
}

// Spider owns the frontier and the worker pool for one crawl run.
type Spider struct {
	cfg        Config
	frontier   *frontier.Frontier
	fetcher    archive.Fetcher
	parser     archive.Parser
	records    archive.RecordStore
	outlinks   OutLinkStore
	blobs      archive.BlobStore
	politeness *Politeness
	clock      archive.Clock
	logger     *zap.Logger
}

// New constructs a Spider. outlinks may be nil when the record store
// does not track off-site references.
func New(
	cfg Config,
	fetcher archive.Fetcher,
	parser archive.Parser,
	records archive.RecordStore,
	outlinks OutLinkStore,
	blobs archive.BlobStore,
	clock archive.Clock,
	logger *zap.Logger,
) *Spider {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if clock == nil {
		clock = archive.SystemClock{}
	}
	return &Spider{
		cfg:        cfg,
		frontier:   frontier.New(),
		fetcher:    fetcher,
		parser:     parser,
		records:    records,
		outlinks:   outlinks,
		blobs:      blobs,
		politeness: NewPoliteness(cfg.PolitenessDelay),
		clock:      clock,
		logger:     logger,
	}
}

// Run seeds the frontier and blocks until it drains or ctx finishes.
// In-flight fetches complete and persist their outcomes before Run
// returns on cancellation.
func (s *Spider) Run(ctx context.Context) error {
	seeded := 0
	for _, seed := range s.cfg.Seeds {
		if s.frontier.Add(seed, archive.KindSeed, "") {
			seeded++
		} else {
			s.logger.Warn("seed rejected", zap.String("url", seed))
		}
	}
	if seeded == 0 {
		return fmt.Errorf("no usable seed URLs")
	}
	runID := uuid.NewString()
	s.logger.Info("crawl starting",
		zap.String("run_id", runID),
		zap.Int("seeds", seeded),
		zap.Int("workers", s.cfg.Workers),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			return s.worker(ctx)
		})
	}
	err := g.Wait()

	stats := s.frontier.Stats()
	s.logger.Info("crawl finished",
		zap.Int("done", stats.Done),
		zap.Int("failed", stats.Failed),
		zap.Int("discovered", stats.Seen),
	)
	return err
}

func (s *Spider) worker(ctx context.Context) error {
	for {
		entry, ok := s.frontier.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		s.process(ctx, entry)

		stats := s.frontier.Stats()
		metrics.SetFrontierDepth(stats.Pending, stats.InFlight)
	}
}

// process executes one unit of work: fetch, parse, persist, enqueue.
// The frontier entry is retired only after its outcome is durable.
func (s *Spider) process(ctx context.Context, entry archive.FrontierEntry) {
	req := archive.FetchRequest{URL: entry.URL}
	existing, err := s.records.GetRecord(ctx, entry.URL)
	// Only revalidate when the stored content is still on disk; a 304
	// against a missing blob would leave the record unservable.
	revalidating := err == nil && s.blobs.HasBlob(existing.ContentHash)
	if revalidating {
		req.ETag = existing.ETag
		req.LastModified = existing.LastModified
	}

	if err := s.politeness.Wait(ctx, archive.Host(entry.URL)); err != nil {
		s.frontier.Fail(entry.URL)
		return
	}

	outcome := s.fetcher.Fetch(ctx, req)
	switch outcome.Class {
	case archive.OutcomeFetched:
		s.handleFetched(ctx, entry, outcome.Page)
	case archive.OutcomeNotModified:
		s.handleNotModified(ctx, entry, existing)
	default:
		s.handleFailed(ctx, entry, outcome)
	}
}

func (s *Spider) handleFetched(ctx context.Context, entry archive.FrontierEntry, page archive.FetchedPage) {
	hash, duplicate, err := s.blobs.PutBlob(page.Body)
	if err != nil {
		s.logger.Error("blob write failed",
			zap.String("url", entry.URL),
			zap.Error(err),
		)
		s.frontier.Fail(entry.URL)
		return
	}

	contentType := page.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(page.Body)
	}

	result := s.parse(entry, contentType, page.Body)

	rec := archive.Record{
		URL:          entry.URL,
		Kind:         recordKind(entry.Kind),
		Title:        result.Title,
		ContentHash:  hash,
		StorageRef:   "imgs/" + hash,
		ContentType:  contentType,
		HTTPStatus:   page.StatusCode,
		Size:         int64(len(page.Body)),
		FetchedAt:    s.clock.Now(),
		ETag:         page.Headers.Get("Etag"),
		LastModified: page.Headers.Get("Last-Modified"),
	}
	if err := s.records.PutRecord(ctx, rec); err != nil {
		s.logger.Error("record write failed",
			zap.String("url", entry.URL),
			zap.Error(err),
		)
		s.frontier.Fail(entry.URL)
		return
	}

	s.enqueueDiscoveries(ctx, entry, result)

	s.frontier.Done(entry.URL)
	metrics.ObservePage(string(entry.Kind), "fetched", len(page.Body))
	if duplicate {
		metrics.ObserveBlobDedup()
	}
	s.logger.Info("archived",
		zap.String("url", entry.URL),
		zap.String("kind", string(entry.Kind)),
		zap.Int("bytes", len(page.Body)),
		zap.Bool("dedup", duplicate),
	)
}

// handleNotModified refreshes the record timestamp and re-walks the
// stored body so discoveries behind unchanged list pages still enter
// the frontier. Content is never re-downloaded.
func (s *Spider) handleNotModified(ctx context.Context, entry archive.FrontierEntry, existing archive.Record) {
	existing.FetchedAt = s.clock.Now()
	if err := s.records.PutRecord(ctx, existing); err != nil {
		s.logger.Error("record refresh failed",
			zap.String("url", entry.URL),
			zap.Error(err),
		)
		s.frontier.Fail(entry.URL)
		return
	}

	if body, err := s.blobs.GetBlob(existing.ContentHash); err == nil {
		s.enqueueDiscoveries(ctx, entry, s.parse(entry, existing.ContentType, body))
	}

	s.frontier.Done(entry.URL)
	metrics.ObservePage(string(entry.Kind), "not_modified", 0)
	metrics.ObserveNotModified()
	s.logger.Info("unchanged", zap.String("url", entry.URL))
}

func (s *Spider) handleFailed(ctx context.Context, entry archive.FrontierEntry, outcome archive.Outcome) {
	failure := archive.Failure{
		URL:        entry.URL,
		Kind:       entry.Kind,
		Reason:     sanitizeReason(outcome.Error()),
		HTTPStatus: outcome.HTTPStatus,
		FailedAt:   s.clock.Now(),
	}
	if err := s.records.PutFailure(ctx, failure); err != nil {
		s.logger.Error("failure write failed",
			zap.String("url", entry.URL),
			zap.Error(err),
		)
	}
	s.frontier.Fail(entry.URL)
	metrics.ObservePage(string(entry.Kind), "failed", 0)
	s.logger.Warn("fetch failed permanently",
		zap.String("url", entry.URL),
		zap.Int("status", outcome.HTTPStatus),
		zap.Error(outcome.Err),
	)
}

// parse extracts links, assets, and the title from an HTML body.
// Image bodies produce an empty result.
func (s *Spider) parse(entry archive.FrontierEntry, contentType string, body []byte) archive.ParseResult {
	if entry.Kind == archive.KindImage {
		return archive.ParseResult{}
	}
	return s.parser.Parse(contentType, body, entry.URL)
}

// enqueueDiscoveries feeds parsed links and assets back into the
// frontier and records off-site references.
func (s *Spider) enqueueDiscoveries(ctx context.Context, entry archive.FrontierEntry, result archive.ParseResult) {
	for _, link := range result.Links {
		s.frontier.Add(link.URL, link.Kind, entry.URL)
	}
	for _, asset := range result.Assets {
		s.frontier.Add(asset, archive.KindImage, entry.URL)
	}
	if s.outlinks != nil {
		for _, out := range result.OutLinks {
			if err := s.outlinks.PutOutLink(ctx, out, entry.URL); err != nil {
				s.logger.Debug("outlink write failed", zap.Error(err))
			}
		}
	}
}

// recordKind maps frontier kinds onto record kinds; seeds archive as
// list pages since that is what they are on the target site.
func recordKind(kind archive.Kind) archive.Kind {
	if kind == archive.KindSeed {
		return archive.KindList
	}
	return kind
}

// sanitizeReason trims very long failure reasons before persisting.
func sanitizeReason(reason string) string {
	const maxLen = 512
	reason = strings.TrimSpace(reason)
	if len(reason) > maxLen {
		return reason[:maxLen]
	}
	return reason
}
