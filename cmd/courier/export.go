package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/courier/internal/archive"
	"github.com/alfredjeanlab/courier/internal/config"
	"github.com/alfredjeanlab/courier/internal/store/postgres"
)

var exportToS3 bool

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the event log as JSONL",
	Long: `Writes the full event log as JSONL to stdout, or to the configured S3
bucket with --s3.`,
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

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if !exportToS3 {
			return archive.ExportJSONL(ctx, store, os.Stdout)
		}

		if cfg.ArchiveS3Bucket == "" {
			return errors.New("COURIER_ARCHIVE_S3_BUCKET is required with --s3")
		}
		dest, err := archive.NewS3Destination(ctx,
			cfg.ArchiveS3Bucket, cfg.ArchiveS3Key, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
		if err != nil {
			return err
		}
		scheduler := archive.NewScheduler(store, []archive.Destination{dest}, 0, logger)
		scheduler.ExportOnce(ctx)
		return nil
	},
}

func init() {
	exportCmd.Flags().BoolVar(&exportToS3, "s3", false, "upload to the configured S3 bucket")
}
