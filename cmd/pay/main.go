// Package main provides a CLI that pays for a placement from a local
// keypair. It drives the same payment pipeline the web flow uses, with the
// server-side transaction driver standing in for a browser wallet.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/canvas-market/internal/chain"
	"github.com/canvas-market/internal/config"
	"github.com/canvas-market/internal/logging"
	"github.com/canvas-market/internal/service"
	"github.com/canvas-market/internal/storage"
	"github.com/gagliardetto/solana-go"
)

func main() {
	var (
		sessionID = flag.String("session", "", "Payment session ID to pay for")
		keypair   = flag.String("keypair", "", "Path to a solana-keygen JSON keypair file")
	)
	flag.Parse()

	if *sessionID == "" || *keypair == "" {
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()

	signer, err := chain.KeypairSignerFromFile(*keypair)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load keypair")
	}

	// Initialize database connections
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

	driver := chain.NewDriver(&chain.DriverConfig{
		Client:         rpcClient,
		Recipient:      recipient,
		Registry:       registry,
		ConfirmTimeout: cfg.Solana.ConfirmTimeout,
		PollInterval:   cfg.Solana.PollInterval,
	})
	verifier := chain.NewVerifier(rpcClient, recipient, registry)

	// Wire the payment pipeline
	placementRepo := storage.NewPlacementRepository(postgres)
	sessionRepo := storage.NewSessionRepository(postgres)
	holds := storage.NewReservationCache(redis, cfg.Canvas.HoldTTL)

	paymentService := service.NewPaymentService(
		sessionRepo,
		placementRepo,
		holds,
		verifier,
		driver,
		cfg.Payment.RecipientWallet,
		cfg.Payment.MaxRetries,
		cfg.Payment.SessionTimeout,
	)

	logger.WithFields(map[string]interface{}{
		"session": *sessionID,
		"payer":   signer.PublicKey().String(),
	}).Info("Executing payment")

	session, err := paymentService.ExecutePayment(context.Background(), *sessionID, signer)
	if err != nil {
		logger.WithError(err).Fatal("Payment failed")
	}

	out, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		logger.WithError(err).Fatal("Failed to encode result")
	}
	os.Stdout.Write(out)
	os.Stdout.WriteString("\n")
}
