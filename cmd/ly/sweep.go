package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/leadyard/internal/sweeper"
)

func newSweepCmd() *cobra.Command {
	var (
		configPath string
		once       bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire leads and roll over subscriptions",
		Long: `Cancels leads past their expiry and advances subscriptions whose period
ended. With --once both sweeps run immediately; otherwise they run on the
sweeper schedules until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, configPath, once)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	cmd.Flags().BoolVar(&once, "once", false, "run both sweeps once and exit")
	return cmd
}

func runSweep(cmd *cobra.Command, configPath string, once bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	m := newMarket(cfg, gormDB, logger)
	out := cmd.OutOrStdout()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if once {
		res, err := sweeper.RunOnce(ctx, m)
		fmt.Fprintf(out, "Expired %d leads, rolled over %d subscriptions\n", res.Expired, res.RolledOver)
		return err
	}

	s, err := sweeper.New(sweeper.Opts{
		Sweeps:           m,
		ExpirySchedule:   cfg.Sweeper.ExpirySchedule,
		RolloverSchedule: cfg.Sweeper.RolloverSchedule,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sweeping on %q (expiry) and %q (rollover)\n", cfg.Sweeper.ExpirySchedule, cfg.Sweeper.RolloverSchedule)
	return s.Run(ctx)
}
