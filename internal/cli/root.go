// Package cli implements the salvo command line.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourneighborhoodchef/salvo/internal/config"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// RootOptions holds flags shared by every command. Flags only override the
// loaded config when set explicitly.
type RootOptions struct {
	ConfigPath string

	SaleID      string
	ItemCode    string
	BaseURL     string
	Cookie      string
	Concurrency int
	Lead        time.Duration
	Deadline    time.Duration
	Policy      string
	ExitAt      string
	LogLevel    string
	LogJSON     bool
	MetricsAddr string
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "salvo",
		Short: "Fire a burst of redemptions at a flash sale the moment it opens",
		Long: `salvo probes a flash sale once, estimates the offset between the local
and server clocks from that probe, and fires a bounded burst of redemption
requests timed to land as the sale opens. The first confirmed redemption
ends the run.

Settings come from a YAML file (--config), then SALVO_* environment
variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config")
	f.StringVar(&opts.SaleID, "sale", "", "sale (category) id")
	f.StringVar(&opts.ItemCode, "item", "", "item code to acquire")
	f.StringVar(&opts.BaseURL, "base-url", "", "site base URL")
	f.StringVar(&opts.Cookie, "cookie", "", "raw Cookie header of a logged-in session")
	f.IntVar(&opts.Concurrency, "concurrency", 0, "requests kept in flight")
	f.DurationVar(&opts.Lead, "lead", 0, "fire this long before the sale opens")
	f.DurationVar(&opts.Deadline, "deadline", 0, "give up this long after firing")
	f.StringVar(&opts.Policy, "policy", "", "fixed-burst or sliding-window")
	f.StringVar(&opts.ExitAt, "exit-at", "", "abandon the run at this HH:MM in the sale time zone")
	f.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error")
	f.BoolVar(&opts.LogJSON, "log-json", false, "log JSON instead of console lines")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig layers flags over file and environment and validates the
// result.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "load config", err)
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("sale", func() { cfg.Sale.ID = opts.SaleID })
	set("item", func() { cfg.Sale.ItemCode = opts.ItemCode })
	set("base-url", func() { cfg.Sale.BaseURL = opts.BaseURL })
	set("cookie", func() { cfg.Session.Cookie = opts.Cookie })
	set("concurrency", func() { cfg.Burst.Concurrency = opts.Concurrency })
	set("lead", func() { cfg.Burst.Lead = opts.Lead })
	set("deadline", func() { cfg.Burst.Deadline = opts.Deadline })
	set("policy", func() { cfg.Burst.Policy = opts.Policy })
	set("exit-at", func() { cfg.ExitAt = opts.ExitAt })
	set("log-level", func() { cfg.Log.Level = opts.LogLevel })
	set("log-json", func() { cfg.Log.JSON = opts.LogJSON })
	set("metrics-addr", func() { cfg.Metrics.Addr = opts.MetricsAddr })

	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitFailure, "invalid config", err)
	}
	return cfg, nil
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "salvo "+Version)
		},
	}
}
