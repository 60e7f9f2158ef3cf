package cmd

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whynot-archive/whynot/internal/logging"
	"github.com/whynot-archive/whynot/internal/metrics"
	"github.com/whynot-archive/whynot/internal/server"
	"github.com/whynot-archive/whynot/internal/storage/blob"
	"github.com/whynot-archive/whynot/internal/storage/sqlite"
)

func newWebCmd() *cobra.Command {
	var (
		addr string
		data string
	)

	cmd := &cobra.Command{
		Use:   "web",
		Short: "Serve a crawled archive as a browsable mirror.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logging.Sync(logger)

			if addr != "" {
				cfg.Web.Addr = addr
			}
			if data != "" {
				cfg.Web.Data = data
			}

			metrics.Init()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// A missing archive is a startup error, not an empty mirror.
			records, err := sqlite.Open(filepath.Join(cfg.Web.Data, "whynot.db"), sqlite.Options{})
			if err != nil {
				return fmt.Errorf("open record store: %w", err)
			}
			defer func() {
				if err := records.Close(); err != nil {
					logger.Warn("close record store", zap.Error(err))
				}
			}()

			blobs, err := blob.New(filepath.Join(cfg.Web.Data, "imgs"))
			if err != nil {
				return fmt.Errorf("open blob store: %w", err)
			}

			srv, err := server.NewServer(server.Config{
				Addr:        cfg.Web.Addr,
				SiteBaseURL: cfg.Site.BaseURL,
			}, records, blobs, logger)
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}

			return srv.Run(ctx, cfg.Web.Addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (default \"127.0.0.1:3334\")")
	cmd.Flags().StringVarP(&data, "data", "d", "", "data directory (default \"whynot_data\")")

	return cmd
}
