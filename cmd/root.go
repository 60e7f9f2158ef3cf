// Package cmd wires the whynot command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whynot-archive/whynot/internal/config"
	"github.com/whynot-archive/whynot/internal/logging"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whynot",
		Short: "Archive a website and serve the archived copy.",
		Long: `whynot archives a news site into a local, self-contained snapshot
and serves that snapshot as a browsable mirror of the original.

The spider subcommand crawls the site into a data directory; the web
subcommand serves a previously crawled directory.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults plus WHYNOT_ env)")

	cmd.AddCommand(newSpiderCmd())
	cmd.AddCommand(newWebCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by both
// subcommands.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}
