package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourneighborhoodchef/salvo/internal/agent"
	"github.com/yourneighborhoodchef/salvo/internal/catalog"
	"github.com/yourneighborhoodchef/salvo/internal/config"
)

type CheckOptions struct {
	*RootOptions
	TestRedeem bool
}

func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the sale and print the fire plan without firing",
		Long: `Probe the sale once and print the item, the clock estimate and when a
run started now would fire. With --test-redeem a single redemption is sent
to confirm the session cookies are accepted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			return runCheck(cmd, cfg, opts.TestRedeem)
		},
	}

	cmd.Flags().BoolVar(&opts.TestRedeem, "test-redeem", false, "send one redemption request")

	return cmd
}

func runCheck(cmd *cobra.Command, cfg *config.Config, testRedeem bool) error {
	ctx, logger, m, cleanup, err := setup(cmd, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	session, err := agent.NewSession(cfg, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "build session", err)
	}

	a := agent.New(cfg, session, agent.Options{Logger: logger, Metrics: m})
	res, err := a.Check(ctx, testRedeem)
	if errors.Is(err, catalog.ErrProbeUnavailable) {
		return WrapExitError(ExitFailure, "catalog probe failed, aborting", err)
	}
	if err != nil && res.Entry.Handle == "" {
		return WrapExitError(ExitFailure, "check failed", err)
	}

	loc, _ := cfg.Location()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "item\t%s (%s)\n", res.Entry.ItemCode, res.Entry.Name)
	fmt.Fprintf(w, "handle\t%s\n", res.Entry.Handle)
	fmt.Fprintf(w, "sale opens\t%s\n", time.UnixMilli(res.Window.ScheduledStart).In(loc).Format(time.RFC3339Nano))
	fmt.Fprintf(w, "rtt\t%dms\n", res.Estimate.RTTMillis)
	if res.Estimate.Degenerate {
		fmt.Fprintf(w, "offset\t0ms (degenerate: %s)\n", res.Estimate.Reason)
	} else {
		fmt.Fprintf(w, "offset\t%dms\n", res.Estimate.OffsetMillis)
	}
	if res.Plan.Immediate {
		fmt.Fprintf(w, "fire\tnow (sale opens in %s)\n", res.Plan.TimeLeft.Round(time.Millisecond))
	} else {
		fmt.Fprintf(w, "fire\t%s (in %s)\n", res.Plan.FireAt.In(loc).Format(time.RFC3339Nano), res.Plan.Delay.Round(time.Millisecond))
	}
	if res.Redeem != nil {
		fmt.Fprintf(w, "test redeem\tstatus %d code %d success %t %q\n",
			res.Redeem.HTTPStatus, res.Redeem.Code, res.Redeem.Success, res.Redeem.Message)
	}
	_ = w.Flush()

	if err != nil {
		return WrapExitError(ExitFailure, "check failed", err)
	}
	return nil
}
