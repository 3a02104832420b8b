// Package main provides the API server entry point for the canvas market service.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canvas-market/internal/api"
	"github.com/canvas-market/internal/chain"
	"github.com/canvas-market/internal/config"
	"github.com/canvas-market/internal/logging"
	"github.com/canvas-market/internal/service"
	"github.com/canvas-market/internal/storage"
	"github.com/canvas-market/internal/types"
	"github.com/canvas-market/internal/worker"
	"github.com/gagliardetto/solana-go"
)

func main() {
	fmt.Println("Canvas Market API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

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

	// Initialize chain access
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

	logger.WithFields(map[string]interface{}{
		"network":   cfg.Solana.Network,
		"rpc":       cfg.Solana.RPCPrimary,
		"recipient": cfg.Payment.RecipientWallet,
	}).Info("Chain access initialized")

	// Initialize repositories
	placementRepo := storage.NewPlacementRepository(postgres)
	sessionRepo := storage.NewSessionRepository(postgres)
	holds := storage.NewReservationCache(redis, cfg.Canvas.HoldTTL)

	// Initialize services
	logger.Info("Initializing services...")

	canvas := types.CanvasSpec{Size: cfg.Canvas.Size, GridUnit: cfg.Canvas.GridUnit}

	placementService := service.NewPlacementService(
		placementRepo,
		sessionRepo,
		holds,
		registry,
		canvas,
		cfg.Canvas.MaxPendingPerWallet,
	)

	// The web flow never signs server-side, so no transaction driver here;
	// wallets submit and the verifier checks what landed on chain.
	paymentService := service.NewPaymentService(
		sessionRepo,
		placementRepo,
		holds,
		verifier,
		nil,
		cfg.Payment.RecipientWallet,
		cfg.Payment.MaxRetries,
		cfg.Payment.SessionTimeout,
	)

	sweepService := service.NewSweepService(
		sessionRepo,
		placementRepo,
		holds,
		verifier,
		cfg.Canvas.HoldTTL,
	)

	logger.Info("Services initialized")

	// Start the background reconciliation sweeper
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

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        60 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		RateLimitPerMinute: cfg.RateLimit.RequestsPerMinute,
		RateLimitBurst:     cfg.RateLimit.Burst,
		RequestLimiter:     holds,
	}

	server := api.NewServer(serverConfig, placementService, paymentService, sweepService, registry)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := sweepWorker.Stop(ctx); err != nil {
		logger.WithError(err).Warn("Sweep worker did not stop cleanly")
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
