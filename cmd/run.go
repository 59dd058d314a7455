package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/skyhive/skyhive/internal/app"
	"github.com/skyhive/skyhive/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRunCmd creates and configures the 'run' subcommand, which hosts the
// full pipeline: browser, session keeper, stage workers, and the HTTP API.
func newRunCmd() *cobra.Command {
	var stages []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts the collection pipeline",
		Long: `Launches the browser, establishes a signed-in session, and runs the
configured stage workers until interrupted. With the default headful browser
the first run pauses while the operator signs in to bsky.app by hand.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := resolveDeps(cmd.Context())
			if err != nil {
				return err
			}
			cfg := d.cfg
			if len(stages) > 0 {
				if cfg.Stages, err = filterStages(cfg.Stages, stages); err != nil {
					return err
				}
			}
			return runPipeline(cmd.Context(), cfg, d.logger)
		},
	}

	cmd.Flags().StringSliceVar(&stages, "stages", nil,
		"run only the named stages (discovery, profile, content)")

	return cmd
}

func runPipeline(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run pipeline: %w", err)
	}
	logger.Info("pipeline stopped")
	return nil
}

// filterStages enables only the named stages, leaving their tuning intact.
func filterStages(sc config.StagesConfig, names []string) (config.StagesConfig, error) {
	sc.Discovery.Enabled = false
	sc.Profile.Enabled = false
	sc.Content.Enabled = false
	for _, name := range names {
		switch name {
		case "discovery":
			sc.Discovery.Enabled = true
		case "profile":
			sc.Profile.Enabled = true
		case "content":
			sc.Content.Enabled = true
		default:
			return sc, fmt.Errorf("unknown stage %q", name)
		}
	}
	return sc, nil
}
