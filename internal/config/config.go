// Package config provides configuration management for the canvas market service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Solana    SolanaConfig
	Payment   PaymentConfig
	Canvas    CanvasConfig
	Sweep     SweepConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// SolanaConfig holds blockchain RPC configuration
type SolanaConfig struct {
	Network        string        // mainnet, devnet, or testnet
	RPCPrimary     string        // primary RPC endpoint
	RPCFallback    string        // optional fallback endpoint
	ConfirmTimeout time.Duration // bound on confirmation polling
	PollInterval   time.Duration // delay between signature status polls
}

// PaymentConfig holds payment configuration
type PaymentConfig struct {
	RecipientWallet  string        // fixed recipient address for all placements
	USDCMint         string        // SPL mint address for USDC payments
	SOLRatePerPixel  string        // price per pixel in SOL, decimal string
	USDCRatePerPixel string        // price per pixel in USDC, decimal string
	MaxRetries       int           // extra payment attempts after the first failure
	SessionTimeout   time.Duration // window before an in-flight session is swept
}

// CanvasConfig holds canvas geometry configuration
type CanvasConfig struct {
	Size                int           // canvas edge length in pixels
	GridUnit            int           // placement alignment unit
	MaxPendingPerWallet int           // unpaid reservations allowed per wallet at once
	HoldTTL             time.Duration // redis reservation hold lifetime
}

// SweepConfig holds reconciliation sweeper configuration
type SweepConfig struct {
	Interval time.Duration // delay between sweep runs
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "canvas_market"),
				User:           getEnv("POSTGRES_USER", "canvas"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 25),
			},
		},
		Solana: SolanaConfig{
			Network:        getEnv("SOLANA_NETWORK", "devnet"),
			RPCPrimary:     getEnv("SOLANA_RPC_PRIMARY", "https://api.devnet.solana.com"),
			RPCFallback:    getEnv("SOLANA_RPC_FALLBACK", ""),
			ConfirmTimeout: getEnvAsDuration("SOLANA_CONFIRM_TIMEOUT", 180*time.Second),
			PollInterval:   getEnvAsDuration("SOLANA_POLL_INTERVAL", 2*time.Second),
		},
		Payment: PaymentConfig{
			RecipientWallet:  getEnv("PAYMENT_RECIPIENT_WALLET", ""),
			USDCMint:         getEnv("PAYMENT_USDC_MINT", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
			SOLRatePerPixel:  getEnv("PAYMENT_SOL_RATE_PER_PIXEL", "0.0001"),
			USDCRatePerPixel: getEnv("PAYMENT_USDC_RATE_PER_PIXEL", "0.01"),
			MaxRetries:       getEnvAsInt("PAYMENT_MAX_RETRIES", 2),
			SessionTimeout:   getEnvAsDuration("PAYMENT_SESSION_TIMEOUT", 3*time.Minute),
		},
		Canvas: CanvasConfig{
			Size:                getEnvAsInt("CANVAS_SIZE", 1000),
			GridUnit:            getEnvAsInt("CANVAS_GRID_UNIT", 10),
			MaxPendingPerWallet: getEnvAsInt("CANVAS_MAX_PENDING_PER_WALLET", 3),
			HoldTTL:             getEnvAsDuration("CANVAS_HOLD_TTL", 5*time.Minute),
		},
		Sweep: SweepConfig{
			Interval: getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_RPM", 120),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration invariants that cannot be defaulted away
func (c *Config) Validate() error {
	if c.Payment.RecipientWallet == "" {
		return fmt.Errorf("PAYMENT_RECIPIENT_WALLET is required")
	}
	if c.Canvas.Size <= 0 || c.Canvas.GridUnit <= 0 {
		return fmt.Errorf("canvas size and grid unit must be positive")
	}
	if c.Canvas.Size%c.Canvas.GridUnit != 0 {
		return fmt.Errorf("canvas size %d is not a multiple of grid unit %d", c.Canvas.Size, c.Canvas.GridUnit)
	}
	if c.Payment.MaxRetries < 0 {
		return fmt.Errorf("PAYMENT_MAX_RETRIES cannot be negative")
	}
	switch c.Solana.Network {
	case "mainnet", "devnet", "testnet":
	default:
		return fmt.Errorf("unknown SOLANA_NETWORK %q", c.Solana.Network)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
