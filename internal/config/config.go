// Package config handles daemon configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Signer modes. Remote custody is the only mode permitted for production
// execution; local keys require key material on disk next to the process.
const (
	SignerLocal  = "local"
	SignerRemote = "remote"
)

// Config holds all daemon configuration
type Config struct {
	// Process settings
	Port      string // ops server (healthz + metrics)
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses the file store if not set)
	OffersPath  string // file store path, used when DATABASE_URL is empty

	// Ledger settings
	RPCURL         string
	ChainID        int64
	ConfirmTimeout time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC collector, tracing disabled when empty

	// Settlement
	Execute      bool   // when false, release/refund are simulated and never touch the signer
	FeeCollector string // ledger identity receiving fees (optional)
	PollInterval time.Duration
	WorkerCount  int

	// Signing
	SignerMode      string
	PrivateKey      string // hex-encoded, local mode only
	CustodyURL      string // remote custody service base URL
	CustodyKeyID    string // named credential at the custody service
	ForceAllowLocal bool   // escape hatch for local signing in production
}

const (
	DefaultPort           = "9800"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultOffersPath     = "offers.json"
	DefaultChainID        = 84532
	DefaultPollInterval   = 8 * time.Second
	DefaultConfirmTimeout = 60 * time.Second
	DefaultWorkerCount    = 2
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses file store if not set
		OffersPath:      getEnv("OFFERS_PATH", DefaultOffersPath),
		RPCURL:          os.Getenv("RPC_URL"),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		ConfirmTimeout:  getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
		Execute:         getEnvBool("SETTLER_EXECUTE", false),
		FeeCollector:    os.Getenv("FEE_COLLECTOR"),
		PollInterval:    getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		WorkerCount:     int(getEnvInt64("WORKER_COUNT", DefaultWorkerCount)),
		SignerMode:      getEnv("SIGNER_MODE", SignerLocal),
		PrivateKey:      os.Getenv("PRIVATE_KEY"),
		CustodyURL:      os.Getenv("CUSTODY_URL"),
		CustodyKeyID:    getEnv("CUSTODY_KEY_ID", "dev-key"),
		ForceAllowLocal: getEnvBool("FORCE_ALLOW_LOCAL", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent. Signing
// misconfiguration is fatal at startup, never discovered per offer.
func (c *Config) Validate() error {
	if c.SignerMode != SignerLocal && c.SignerMode != SignerRemote {
		return fmt.Errorf("SIGNER_MODE must be %q or %q", SignerLocal, SignerRemote)
	}

	if !c.Execute {
		// Dry-run mode never signs; nothing else to check.
		return nil
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required when SETTLER_EXECUTE=true")
	}

	switch c.SignerMode {
	case SignerRemote:
		if c.CustodyURL == "" {
			return fmt.Errorf("CUSTODY_URL is required for remote signing")
		}
		if c.CustodyKeyID == "" {
			return fmt.Errorf("CUSTODY_KEY_ID is required for remote signing")
		}
	case SignerLocal:
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.IsProduction() && !c.ForceAllowLocal {
			return fmt.Errorf("local signing is not permitted in production (set SIGNER_MODE=remote or FORCE_ALLOW_LOCAL=true)")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
