package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/leadyard/internal/api"
	"github.com/zulandar/leadyard/internal/market"
	"github.com/zulandar/leadyard/internal/notify"
	"github.com/zulandar/leadyard/internal/sweeper"
)

func newServeCmd() *cobra.Command {
	var (
		configPath  string
		port        int
		withSweeper bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Starts the marketplace API. Notifications go to RabbitMQ when
notify.amqp_url is set (run "ly worker" to deliver them), otherwise they are
delivered in-process. Live conversation streams use Redis pub/sub when
feed.redis_addr is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, withSweeper)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	cmd.Flags().BoolVar(&withSweeper, "sweeper", false, "also run the expiry and rollover sweeps")
	return cmd
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, configPath string, port int, withSweeper bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret (or LEADYARD_JWT_SECRET) is required")
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	changes, err := newFeed(ctx, cfg.Feed)
	if err != nil {
		return err
	}
	defer changes.Close()

	var notifier notify.Enqueuer
	if cfg.Notify.AMQPURL != "" {
		q, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.Queue)
		if err != nil {
			return err
		}
		defer q.Close()
		notifier = q
		logger.Info("notifications queued to rabbitmq", "queue", cfg.Notify.Queue)
	} else {
		sinks, err := newSinks(cfg, gormDB, logger)
		if err != nil {
			return err
		}
		d := notify.NewDispatcher(notify.DispatcherOpts{
			Sinks:   sinks,
			Workers: cfg.Notify.Workers,
			Policy:  notifyPolicy(cfg.Notify),
			Logger:  logger,
		})
		go d.Run(ctx)
		notifier = d
		logger.Info("notifications delivered in-process", "sinks", len(sinks))
	}

	m := market.New(market.Opts{
		DB:       gormDB,
		Feed:     changes,
		Notifier: notifier,
		Logger:   logger,
		Config:   cfg.Market,
		Plans:    cfg.Plans,
	})

	if withSweeper {
		s, err := sweeper.New(sweeper.Opts{
			Sweeps:           m,
			ExpirySchedule:   cfg.Sweeper.ExpirySchedule,
			RolloverSchedule: cfg.Sweeper.RolloverSchedule,
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		go s.Run(ctx)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Leadyard API running at http://localhost:%d\n", cfg.Server.Port)
	return api.Start(ctx, api.StartOpts{
		Market:         m,
		Port:           cfg.Server.Port,
		Secret:         []byte(cfg.Server.JWTSecret),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PollInterval:   cfg.Feed.PollInterval,
		Logger:         logger,
	})
}
