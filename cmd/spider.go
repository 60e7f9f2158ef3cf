package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whynot-archive/whynot/internal/config"
	"github.com/whynot-archive/whynot/internal/fetcher"
	"github.com/whynot-archive/whynot/internal/logging"
	"github.com/whynot-archive/whynot/internal/metrics"
	"github.com/whynot-archive/whynot/internal/parser"
	"github.com/whynot-archive/whynot/internal/spider"
	"github.com/whynot-archive/whynot/internal/storage/blob"
	"github.com/whynot-archive/whynot/internal/storage/sqlite"
)

func newSpiderCmd() *cobra.Command {
	var (
		proxy  string
		output string
	)

	cmd := &cobra.Command{
		Use:   "spider",
		Short: "Crawl the site into a local archive directory.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logging.Sync(logger)

			if proxy != "" {
				cfg.Spider.Proxy = proxy
			}
			if output != "" {
				cfg.Spider.Output = output
			}

			return runSpider(cmd, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&proxy, "proxy", "", "HTTP proxy URL for all fetches")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default \"wainao\")")

	return cmd
}

func runSpider(cmd *cobra.Command, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, err := sqlite.Open(
		filepath.Join(cfg.Spider.Output, "whynot.db"),
		sqlite.Options{CreateIfNotExists: true},
	)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer func() {
		if err := records.Close(); err != nil {
			logger.Warn("close record store", zap.Error(err))
		}
	}()

	blobs, err := blob.New(filepath.Join(cfg.Spider.Output, "imgs"))
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	classifier, err := parser.NewClassifier(parser.Rules{
		SiteHost:        cfg.SiteHost(),
		ListPatterns:    cfg.Classifier.ListPatterns,
		ArticlePatterns: cfg.Classifier.ArticlePatterns,
		ImageHosts:      cfg.Classifier.ImageHosts,
	})
	if err != nil {
		return fmt.Errorf("build classifier: %w", err)
	}

	client, err := fetcher.New(fetcher.Config{
		UserAgent:      cfg.Spider.UserAgent,
		Proxy:          cfg.Spider.Proxy,
		Timeout:        cfg.Spider.Timeout(),
		MaxAttempts:    cfg.Spider.MaxRetries,
		BackoffInitial: cfg.Spider.BackoffInitial(),
		BackoffMax:     cfg.Spider.BackoffMax(),
	}, logger)
	if err != nil {
		return fmt.Errorf("build fetcher: %w", err)
	}

	if cfg.Spider.MetricsAddr != "" {
		go serveMetrics(cfg.Spider.MetricsAddr, logger)
	}

	s := spider.New(
		spider.Config{
			Seeds:           cfg.SeedURLs(),
			Workers:         cfg.Spider.Workers,
			PolitenessDelay: cfg.Spider.PolitenessDelay(),
		},
		client,
		parser.New(classifier, logger),
		records,
		records,
		blobs,
		nil,
		logger,
	)

	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("crawl interrupted, partial archive persisted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	return nil
}

// serveMetrics exposes the Prometheus endpoint for the duration of the
// crawl. Failures are logged, not fatal.
func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
