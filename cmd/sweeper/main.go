// Package main provides the standalone reconciliation sweeper entry point.
// The API server runs the same sweeper in-process; this binary exists for
// deployments that want reconciliation isolated from request serving.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canvas-market/internal/chain"
	"github.com/canvas-market/internal/config"
	"github.com/canvas-market/internal/logging"
	"github.com/canvas-market/internal/service"
	"github.com/canvas-market/internal/storage"
	"github.com/canvas-market/internal/worker"
	"github.com/gagliardetto/solana-go"
)

func main() {
	fmt.Println("Canvas Market Reconciliation Sweeper")
	log.Println("Sweeper starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	// Initialize chain access for last-chance verification
	rpcClient, err := chain.NewClient(&chain.ClientConfig{
		Primary:  cfg.Solana.RPCPrimary,
		Fallback: cfg.Solana.RPCFallback,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Solana RPC client")
	}

	registry, err := chain.NewTokenRegistry(&cfg.Payment)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build token registry")
	}

	recipient, err := solana.PublicKeyFromBase58(cfg.Payment.RecipientWallet)
	if err != nil {
		logger.WithError(err).Fatal("Invalid recipient wallet address")
	}

	verifier := chain.NewVerifier(rpcClient, recipient, registry)

	// Initialize repositories and the sweep service
	placementRepo := storage.NewPlacementRepository(postgres)
	sessionRepo := storage.NewSessionRepository(postgres)
	holds := storage.NewReservationCache(redis, cfg.Canvas.HoldTTL)

	sweepService := service.NewSweepService(
		sessionRepo,
		placementRepo,
		holds,
		verifier,
		cfg.Canvas.HoldTTL,
	)

	sweepWorker, err := worker.NewSweepWorker(&worker.SweepWorkerConfig{
		Sweeper:  sweepService,
		Interval: cfg.Sweep.Interval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sweep worker")
	}
	if err := sweepWorker.Start(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to start sweep worker")
	}

	logger.WithFields(map[string]interface{}{
		"interval": cfg.Sweep.Interval.String(),
	}).Info("Sweeper started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down sweeper...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sweepWorker.Stop(ctx); err != nil {
		logger.WithError(err).Fatal("Sweeper forced to shutdown")
	}

	logger.Info("Sweeper exited")
}
