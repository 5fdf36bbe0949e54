package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/courier/internal/archive"
	"github.com/alfredjeanlab/courier/internal/config"
	"github.com/alfredjeanlab/courier/internal/counters"
	"github.com/alfredjeanlab/courier/internal/events"
	"github.com/alfredjeanlab/courier/internal/idem"
	"github.com/alfredjeanlab/courier/internal/registry"
	"github.com/alfredjeanlab/courier/internal/server"
	"github.com/alfredjeanlab/courier/internal/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the courier API server",
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

		// Broker wiring. Without NATS the server runs in local mode:
		// updates are materialized inline and fanned out in-process.
		var (
			publisher  events.Publisher
			subscriber events.Subscriber
		)
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				store.Close()
				return err
			}
			publisher = pub
			sub, err := events.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				publisher.Close()
				store.Close()
				return err
			}
			subscriber = sub
			logger.Info("broker enabled", "nats_url", cfg.NATSURL)
		} else {
			publisher = &events.NoopPublisher{}
			logger.Info("broker disabled (COURIER_NATS_URL not set), running in local mode")
		}

		reg := registry.New(subscriber, cfg.QueueTTL, logger)
		reaperCtx, reaperCancel := context.WithCancel(context.Background())
		go reg.RunReaper(reaperCtx, cfg.QueueTTL/4)

		guard := idem.NewGuard(cfg.IdemTTL, nil)
		if cfg.IdemRoutes != "" {
			routes, err := idem.LoadRoutes(cfg.IdemRoutes)
			if err != nil {
				reaperCancel()
				store.Close()
				return err
			}
			guard = idem.NewGuard(cfg.IdemTTL, routes)
			logger.Info("idempotency route overrides loaded", "path", cfg.IdemRoutes, "routes", len(routes))
		}

		engine := counters.New(store, logger)
		srv := server.New(store, publisher, engine, reg, guard, logger, server.Options{
			BatchSize: cfg.BatchSize,
			LocalMode: cfg.NATSURL == "",
		})

		grpcServer := server.NewGRPCServer(srv, cfg.AuthToken)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			reaperCancel()
			publisher.Close()
			store.Close()
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()

		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: srv.NewHTTPHandler(cfg.AuthToken),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		// Archive scheduler, when configured.
		var scheduler *archive.Scheduler
		if cfg.ArchiveInterval > 0 && cfg.ArchiveS3Bucket != "" {
			dest, err := archive.NewS3Destination(
				context.Background(),
				cfg.ArchiveS3Bucket,
				cfg.ArchiveS3Key,
				cfg.ArchiveS3Region,
				cfg.ArchiveS3Endpoint,
			)
			if err != nil {
				logger.Error("failed to create S3 archive destination", "err", err)
			} else {
				scheduler = archive.NewScheduler(store, []archive.Destination{dest}, cfg.ArchiveInterval, logger)
				scheduler.Start()
				logger.Info("archive scheduler started",
					"interval", cfg.ArchiveInterval,
					"bucket", cfg.ArchiveS3Bucket)
			}
		}

		logger.Info("courier server started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("archive scheduler stopped")
		}

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		reaperCancel()
		reg.Close()
		guard.Close()

		if subscriber != nil {
			if err := subscriber.Close(); err != nil {
				logger.Error("error closing subscriber", "err", err)
			}
		}
		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
