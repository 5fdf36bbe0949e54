package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/courier/internal/config"
	"github.com/alfredjeanlab/courier/internal/counters"
	"github.com/alfredjeanlab/courier/internal/readtasks"
	"github.com/alfredjeanlab/courier/internal/store/postgres"
)

var readWorkerCmd = &cobra.Command{
	Use:   "readworker",
	Short: "Run the dialog read-task worker",
	Long: `Polls the read-task queue, claims the oldest pending task, and applies
the bulk mark-as-read counter resets in batches. Also requeues tasks left
running by a crashed worker once their lease expires.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		worker := readtasks.New(store, counters.New(store, logger), logger, readtasks.Options{
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
			Lease:        cfg.TaskLease,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go worker.RunReaper(ctx)

		err = worker.Run(ctx)
		if errors.Is(err, context.Canceled) {
			logger.Info("read-task worker stopped")
			return nil
		}
		return err
	},
}
