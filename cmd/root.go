// Package cmd defines and implements the CLI commands for the skyhive executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/skyhive/skyhive/internal/config"
	"github.com/skyhive/skyhive/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	verbose bool
)

// depsKeyType is the key for storing shared command dependencies in the context.
type depsKeyType string

const depsKey depsKeyType = "deps"

// deps carries the services every subcommand needs. The app itself is built
// per command: run needs the full pipeline with a live browser, while seed
// only touches the frontier.
type deps struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skyhive",
		Short: "Browser-driven collection pipeline for the Bluesky social graph.",
		Long: `skyhive drives a real browser session against bsky.app and records the
JSON payloads the site fetches for itself. Entities move through a shared
frontier across discovery, profile, and content stages; captured records are
staged as newline-delimited JSON files for downstream loading.`,
		SilenceUsage: true,

		// Runs after flag parsing and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			lcfg := logging.Config{
				Development: cfg.Logging.Development || verbose,
				Level:       cfg.Logging.Level,
			}
			if verbose {
				lcfg.Level = "debug"
			}
			logger, err := logging.New(lcfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), depsKey, &deps{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if d, ok := cmd.Context().Value(depsKey).(*deps); ok && d != nil {
				_ = d.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment overrides apply either way)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "force development logging")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSeedCmd())

	return cmd
}

func resolveDeps(ctx context.Context) (*deps, error) {
	d, ok := ctx.Value(depsKey).(*deps)
	if !ok || d == nil {
		return nil, errors.New("command dependencies not initialized")
	}
	return d, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "skyhive: %v\n", err)
		os.Exit(1)
	}
}
