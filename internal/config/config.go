// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL    string
	StorageTimeout time.Duration

	// Ledger: escrow contract + indexer
	RPCURL         string
	ChainID        int64
	EscrowContract string
	TokenUSDC      string
	TokenUSDT      string
	TokenIDRX      string
	SubgraphURL    string
	SubgraphAPIKey string

	// Upstream guard
	UpstreamTimeout     time.Duration
	BreakerThreshold    int
	BreakerOpenDuration time.Duration

	// Ingestion
	IngestPollInterval time.Duration
	IngestBatchSize    int
	NATSURL            string // optional push feed
	NATSSubject        string

	// Payment rail (optional as a group)
	PayrailBaseURL string
	PayrailAPIKey  string
	PayrailSecret  string

	// Security
	InternalAPISecret  string // guards the mirror write endpoints
	CORSAllowedOrigins []string
	RateLimitRPM       int

	// Tracing
	OTLPEndpoint string
}

// Base mainnet defaults
const (
	DefaultRPCURL              = "https://mainnet.base.org"
	DefaultChainID             = 8453
	DefaultUSDC                = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	DefaultUSDT                = "0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2"
	DefaultIDRX                = "0x18Bc5bcC660cf2B9cE3cd51a404aFe1a0cBD3C22"
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultNATSSubject         = "escrow.withdrawals"
	DefaultUpstreamTimeout     = 5 * time.Second
	DefaultStorageTimeout      = 5 * time.Second
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenDuration = 30 * time.Second
	DefaultPollInterval        = 15 * time.Second
	DefaultBatchSize           = 200
	DefaultRateLimitRPM        = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		StorageTimeout:      getEnvDuration("STORAGE_TIMEOUT", DefaultStorageTimeout),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		TokenUSDC:           getEnv("TOKEN_USDC", DefaultUSDC),
		TokenUSDT:           getEnv("TOKEN_USDT", DefaultUSDT),
		TokenIDRX:           getEnv("TOKEN_IDRX", DefaultIDRX),
		SubgraphURL:         os.Getenv("SUBGRAPH_URL"),
		SubgraphAPIKey:      os.Getenv("SUBGRAPH_API_KEY"),
		UpstreamTimeout:     getEnvDuration("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout),
		BreakerThreshold:    int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenDuration: getEnvDuration("BREAKER_OPEN_DURATION", DefaultBreakerOpenDuration),
		IngestPollInterval:  getEnvDuration("INGEST_POLL_INTERVAL", DefaultPollInterval),
		IngestBatchSize:     int(getEnvInt64("INGEST_BATCH_SIZE", DefaultBatchSize)),
		NATSURL:             os.Getenv("NATS_URL"),
		NATSSubject:         getEnv("NATS_SUBJECT", DefaultNATSSubject),
		PayrailBaseURL:      os.Getenv("PAYRAIL_BASE_URL"),
		PayrailAPIKey:       os.Getenv("PAYRAIL_API_KEY"),
		PayrailSecret:       os.Getenv("PAYRAIL_SECRET"),
		InternalAPISecret:   os.Getenv("INTERNAL_API_SECRET"),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
//
// Development mode may leave the ledger unconfigured; the server then runs
// on in-memory sources.
func (c *Config) Validate() error {
	if !c.IsDevelopment() || c.LedgerConfigured() {
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required")
		}
		if !common.IsHexAddress(c.EscrowContract) {
			return fmt.Errorf("ESCROW_CONTRACT must be a 0x-prefixed 20-byte address")
		}
		if c.SubgraphURL == "" {
			return fmt.Errorf("SUBGRAPH_URL is required")
		}
	}

	for key, addr := range map[string]string{
		"TOKEN_USDC": c.TokenUSDC,
		"TOKEN_USDT": c.TokenUSDT,
		"TOKEN_IDRX": c.TokenIDRX,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a 20-byte hex address", key)
		}
	}

	set := 0
	for _, v := range []string{c.PayrailBaseURL, c.PayrailAPIKey, c.PayrailSecret} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("PAYRAIL_BASE_URL, PAYRAIL_API_KEY and PAYRAIL_SECRET must be set together")
	}

	if c.UpstreamTimeout <= 0 || c.StorageTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT and STORAGE_TIMEOUT must be positive")
	}
	if c.IngestBatchSize <= 0 {
		return fmt.Errorf("INGEST_BATCH_SIZE must be positive")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	return nil
}

// LedgerConfigured reports whether the chain and indexer settings are set.
func (c *Config) LedgerConfigured() bool {
	return c.EscrowContract != "" || c.SubgraphURL != ""
}

// PayrailConfigured reports whether the payment rail is enabled.
func (c *Config) PayrailConfigured() bool {
	return c.PayrailBaseURL != ""
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

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvDuration accepts Go durations ("750ms") or bare seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if s, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(s) * time.Second
	}
	return defaultValue
}
