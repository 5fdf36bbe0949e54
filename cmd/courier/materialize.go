package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/courier/internal/config"
	"github.com/alfredjeanlab/courier/internal/events"
	"github.com/alfredjeanlab/courier/internal/materializer"
	"github.com/alfredjeanlab/courier/internal/store/postgres"
)

var materializeSelfNotify bool

var materializeCmd = &cobra.Command{
	Use:   "materialize",
	Short: "Run the update materializer worker",
	Long: `Consumes the event stream, writes one update row per recipient, and
publishes each to the broker. Also sweeps rows that were written but never
published. Requires COURIER_NATS_URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.NATSURL == "" {
			return errors.New("COURIER_NATS_URL is required for the materializer worker")
		}

		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		pub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer pub.Close()

		sub, err := events.NewNATSSubscriber(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer sub.Close()

		worker := materializer.New(store, sub, pub, logger, materializer.Options{
			SelfNotify:    materializeSelfNotify,
			SweepInterval: cfg.SweepInterval,
			SweepGrace:    cfg.SweepGrace,
			BatchSize:     cfg.BatchSize,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go worker.RunSweep(ctx)

		err = worker.Run(ctx)
		if errors.Is(err, context.Canceled) {
			logger.Info("materializer stopped")
			return nil
		}
		return err
	},
}

func init() {
	materializeCmd.Flags().BoolVar(&materializeSelfNotify, "self-notify", false,
		"also materialize updates for the acting user")
}
