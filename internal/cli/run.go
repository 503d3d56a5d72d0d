package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yourneighborhoodchef/salvo/internal/agent"
	"github.com/yourneighborhoodchef/salvo/internal/catalog"
	"github.com/yourneighborhoodchef/salvo/internal/config"
	"github.com/yourneighborhoodchef/salvo/internal/logging"
	"github.com/yourneighborhoodchef/salvo/internal/metrics"
)

func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Probe the sale, wait for it to open, and fire",
		Long: `Probe the sale once, arm a timer for the adjusted start minus the lead
time, then keep the configured number of redemptions in flight until one is
confirmed or the deadline passes.

Exit status is 0 on success, 2 when the burst timed out, 1 otherwise.

Example:
  salvo run -c salvo.yaml
  SALVO_SESSION_COOKIE="..." salvo run --sale 1f2e --item SKUJC6 --policy sliding-window`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, cmd)
			if err != nil {
				return err
			}
			return runAgent(cmd, cfg)
		},
	}
}

// setup builds the logger, signal-aware context and metrics shared by run
// and check.
func setup(cmd *cobra.Command, cfg *config.Config) (context.Context, zerolog.Logger, *metrics.Metrics, func(), error) {
	logger, flush, err := logging.Setup(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		return nil, zerolog.Nop(), nil, nil, WrapExitError(ExitFailure, "set up logging", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	return ctx, logger, m, func() {
		stop()
		flush()
	}, nil
}

func runAgent(cmd *cobra.Command, cfg *config.Config) error {
	ctx, logger, m, cleanup, err := setup(cmd, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	session, err := agent.NewSession(cfg, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "build session", err)
	}
	sinks, closeSinks := agent.Sinks(cfg, logger)
	defer closeSinks()

	a := agent.New(cfg, session, agent.Options{
		Logger:  logger,
		Metrics: m,
		Sinks:   sinks,
	})

	res, err := a.Run(ctx)
	switch {
	case errors.Is(err, catalog.ErrProbeUnavailable):
		return WrapExitError(ExitFailure, "catalog probe failed, aborting", err)
	case errors.Is(err, agent.ErrCutoff):
		return NewExitError(ExitTimedOut, fmt.Sprintf("exit cutoff reached after %d attempts, no success", res.Outcome.TotalDispatched))
	case err != nil:
		return WrapExitError(ExitFailure, "run aborted", err)
	case !res.Outcome.Succeeded():
		return NewExitError(ExitTimedOut, res.Summary.Headline())
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.Summary.Headline())
	return nil
}
