package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/leadyard/internal/notify"
)

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued notifications",
		Long: `Consumes notification tasks from RabbitMQ and delivers them to every
configured sink. Failed deliveries are retried with backoff; tasks that
exhaust their attempts are dead-lettered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Notify.AMQPURL == "" {
		return fmt.Errorf("notify.amqp_url (or LEADYARD_AMQP_URL) is required")
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())

	sinks, err := newSinks(cfg, gormDB, logger)
	if err != nil {
		return err
	}
	q, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.Queue)
	if err != nil {
		return err
	}
	defer q.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "Worker consuming %s with %d sinks\n", cfg.Notify.Queue, len(sinks))
	return notify.NewWorker(q, notify.WorkerOpts{
		Sinks:    sinks,
		Policy:   notifyPolicy(cfg.Notify),
		Prefetch: cfg.Notify.Workers,
		Logger:   logger,
	}).Run(ctx)
}
