package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/satferry/satferry/service/broadcast"
	"github.com/satferry/satferry/service/config"
	"github.com/satferry/satferry/service/db"
	"github.com/satferry/satferry/service/ingest"
	"github.com/satferry/satferry/service/lnd"
	"github.com/satferry/satferry/service/metrics"
	natspkg "github.com/satferry/satferry/service/nats"
	"github.com/satferry/satferry/service/server"
	"github.com/satferry/satferry/service/wallet"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the wallet service",
		Action: func(c *cli.Context) error {
			// Load and validate configuration from environment.
			// This fails fast if any required config is missing or invalid.
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.LogLevel)
			logger.Info("starting server",
				"addr", cfg.ServerAddr,
				"log_level", cfg.LogLevel,
			)

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			registry := prometheus.NewRegistry()
			m := metrics.NewMetrics(registry)

			// Initialize database connection pool
			dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer dbPool.Close()

			if err := dbPool.Ping(ctx); err != nil {
				return fmt.Errorf("failed to ping database: %w", err)
			}
			logger.Info("connected to database")

			store := db.NewStore(dbPool)

			// LND clients: one node receives, the other sends.
			receiveNode := lnd.NewClient(cfg.ReceiveLNDRestURL, cfg.ReceiveLNDMacaroon, cfg.ReceiveNodeID, m, logger)
			sendNode := lnd.NewClient(cfg.SendLNDRestURL, cfg.SendLNDMacaroon, cfg.SendNodeID, m, logger)
			logger.Info("initialized LND clients",
				"receive_url", cfg.ReceiveLNDRestURL,
				"send_url", cfg.SendLNDRestURL,
			)

			// Event fan-out: the in-process hub always runs; the NATS mirror
			// is added when configured.
			hub := broadcast.NewHub(cfg.EventBufferSize, m, logger)
			sinks := wallet.MultiSink{hub}
			if cfg.NATSURL != "" {
				publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize NATS publisher: %w", err)
				}
				defer publisher.Close()
				sinks = append(sinks, natspkg.NewSink(publisher, logger))
			}

			reconciler := wallet.NewReconciler(store, sinks, m, logger)
			payer := wallet.NewPayer(sendNode, store, reconciler, cfg.SendNodeID, m, logger)
			subscriber := ingest.NewSubscriber(receiveNode, reconciler, cfg.ReceiveNodeID, m, logger)

			// Replay invoice history before serving so the ledger reflects
			// anything settled while we were down.
			if err := subscriber.SyncInvoices(ctx); err != nil {
				return fmt.Errorf("failed to sync invoice history: %w", err)
			}

			go func() {
				if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("invoice subscriber stopped", "error", err)
				}
			}()

			httpServer := server.New(cfg.ServerAddr, store, receiveNode, payer, hub, registry, m, logger)

			serverErrors := make(chan error, 1)
			go func() {
				serverErrors <- httpServer.Start()
			}()

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-serverErrors:
				return fmt.Errorf("server error: %w", err)
			case sig := <-shutdown:
				logger.Info("shutdown signal received", "signal", sig.String())

				// Stop the subscriber before draining HTTP connections.
				cancel()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer shutdownCancel()

				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("failed to shutdown server gracefully: %w", err)
				}

				logger.Info("server shutdown complete")
			}

			return nil
		},
	}
}
