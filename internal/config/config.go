package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the fulfillment agent.
type Config struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Identity
	Address       string // seller address, required
	PrivateKeyWIF string // signing key, required
	Network       string // mainnet | testnet

	// Behavior
	DryRun             bool
	MaxMempoolTxs      int
	ComposeCooldown    time.Duration
	MaxRetries         int
	RBFEnabled         bool
	StuckTxThreshold   int64 // blocks
	MaxTotalFeeSats    int64
	MaxFeeRateForNewTx int64 // sat/vB
	OrderExpiration    int   // blocks, for maintenance listings
	WaitAfterBroadcast time.Duration
	CheckInterval      time.Duration
	MaintenanceInterval time.Duration

	// Endpoints
	CounterpartyAPI string
	MempoolAPI      string
	BlockstreamAPI  string

	// State store
	RedisURL      string
	RedisPassword string

	// Notifications
	WebhookURL string

	// Status surface
	StatusPort int

	// Maintenance price table
	PricesFile string

	// Logging
	LogLevel string
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		// Defaults
		ServiceName:         "xcpfolio-bot",
		ServiceVersion:      "v1.0.0",
		Network:             "mainnet",
		MaxMempoolTxs:       25,
		ComposeCooldown:     10 * time.Second,
		MaxRetries:          10,
		RBFEnabled:          true,
		StuckTxThreshold:    3,
		MaxTotalFeeSats:     10000,
		MaxFeeRateForNewTx:  100,
		OrderExpiration:     8064,
		WaitAfterBroadcast:  10 * time.Second,
		CheckInterval:       time.Minute,
		MaintenanceInterval: time.Hour,
		CounterpartyAPI:     "https://api.counterparty.io:4000/v2",
		MempoolAPI:          "https://mempool.space/api",
		BlockstreamAPI:      "https://blockstream.info/api",
		RedisURL:            "redis://localhost:6379",
		StatusPort:          8090,
		LogLevel:            "info",
	}

	cfg.Address = os.Getenv("XCPFOLIO_ADDRESS")
	cfg.PrivateKeyWIF = os.Getenv("XCPFOLIO_PRIVATE_KEY")

	if v := os.Getenv("SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		cfg.ServiceVersion = v
	}
	if v := os.Getenv("NETWORK"); v != "" {
		cfg.Network = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		cfg.DryRun = v == "true" || v == "1"
	}
	if v := os.Getenv("MAX_MEMPOOL_TXS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_MEMPOOL_TXS: %w", err)
		}
		cfg.MaxMempoolTxs = n
	}
	if v := os.Getenv("COMPOSE_COOLDOWN"); v != "" {
		d, err := parseMillisOrDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid COMPOSE_COOLDOWN: %w", err)
		}
		cfg.ComposeCooldown = d
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("RBF_ENABLED"); v != "" {
		cfg.RBFEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("STUCK_TX_THRESHOLD"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid STUCK_TX_THRESHOLD: %w", err)
		}
		cfg.StuckTxThreshold = n
	}
	if v := os.Getenv("MAX_TOTAL_FEE_SATS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_TOTAL_FEE_SATS: %w", err)
		}
		cfg.MaxTotalFeeSats = n
	}
	if v := os.Getenv("MAX_FEE_RATE_FOR_NEW_TX"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_FEE_RATE_FOR_NEW_TX: %w", err)
		}
		cfg.MaxFeeRateForNewTx = n
	}
	if v := os.Getenv("ORDER_EXPIRATION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ORDER_EXPIRATION: %w", err)
		}
		cfg.OrderExpiration = n
	}
	if v := os.Getenv("WAIT_AFTER_BROADCAST"); v != "" {
		d, err := parseMillisOrDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WAIT_AFTER_BROADCAST: %w", err)
		}
		cfg.WaitAfterBroadcast = d
	}
	if v := os.Getenv("CHECK_INTERVAL"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHECK_INTERVAL: %w", err)
		}
		cfg.CheckInterval = d
	}
	if v := os.Getenv("MAINTENANCE_INTERVAL"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAINTENANCE_INTERVAL: %w", err)
		}
		cfg.MaintenanceInterval = d
	}
	if v := os.Getenv("COUNTERPARTY_API"); v != "" {
		cfg.CounterpartyAPI = v
	}
	if v := os.Getenv("MEMPOOL_API"); v != "" {
		cfg.MempoolAPI = v
	}
	if v := os.Getenv("BLOCKSTREAM_API"); v != "" {
		cfg.BlockstreamAPI = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("STATUS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid STATUS_PORT: %w", err)
		}
		cfg.StatusPort = port
	}
	if v := os.Getenv("PRICES_FILE"); v != "" {
		cfg.PricesFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// parseMillisOrDuration accepts either a bare millisecond count ("10000")
// or a Go duration ("10s").
func parseMillisOrDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// parseInterval accepts a Go duration or the every-minute cron shorthand
// carried over from the hosted scheduler.
func parseInterval(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "* * * * *" {
		return time.Minute, nil
	}
	return time.ParseDuration(s)
}

// Validate ensures the configuration is valid.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("XCPFOLIO_ADDRESS is required")
	}
	if c.PrivateKeyWIF == "" {
		return fmt.Errorf("XCPFOLIO_PRIVATE_KEY is required")
	}
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("invalid network: %s", c.Network)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.MaxMempoolTxs <= 0 {
		return fmt.Errorf("max mempool txs must be positive")
	}
	if c.MaxTotalFeeSats <= 0 {
		return fmt.Errorf("max total fee must be positive")
	}
	if c.MaxFeeRateForNewTx <= 0 {
		return fmt.Errorf("max fee rate must be positive")
	}
	if c.StatusPort <= 0 || c.StatusPort > 65535 {
		return fmt.Errorf("invalid status port: %d", c.StatusPort)
	}
	return nil
}

// String returns a string representation of the config with secrets elided.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Service: %s/%s, Address: %s, Network: %s, DryRun: %v, "+
			"MaxMempoolTxs: %d, MaxTotalFeeSats: %d, MaxFeeRate: %d, StatusPort: %d}",
		c.ServiceName, c.ServiceVersion, c.Address, c.Network, c.DryRun,
		c.MaxMempoolTxs, c.MaxTotalFeeSats, c.MaxFeeRateForNewTx, c.StatusPort,
	)
}
