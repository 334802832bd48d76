// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"cipherledger/internal/account"
)

// Config holds everything the node and client need to run.
type Config struct {
	// ContractAddress identifies the expense ledger contract. Required.
	ContractAddress account.Address

	// WalletConnectProjectID is optional and only used by external wallet
	// integrations.
	WalletConnectProjectID string

	HTTPAddr string
	NodeURL  string

	DBPath    string
	KeyDir    string
	WalletDir string

	LogEnv string

	RequestTimeout time.Duration
	ACLPollEvery   time.Duration
	ACLPollTimeout time.Duration

	RateLimitPerMinute int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	raw := os.Getenv("CONTRACT_ADDRESS")
	if raw == "" {
		return nil, errors.New("CONTRACT_ADDRESS is not set; copy .env.example to .env and fill it in")
	}
	contract, err := account.HexToAddress(raw)
	if err != nil {
		return nil, errors.Wrap(err, "CONTRACT_ADDRESS")
	}

	cfg := &Config{
		ContractAddress:        contract,
		WalletConnectProjectID: os.Getenv("WALLET_CONNECT_PROJECT_ID"),
		HTTPAddr:               getEnv("LEDGER_HTTP_ADDR", ":8080"),
		NodeURL:                getEnv("LEDGER_NODE_URL", "http://localhost:8080"),
		DBPath:                 getEnv("LEDGER_DB_PATH", "data/ledger.db"),
		KeyDir:                 getEnv("LEDGER_KEY_DIR", "data/keys"),
		WalletDir:              getEnv("WALLET_DIR", "wallets"),
		LogEnv:                 getEnv("LOG_ENV", "development"),
		RequestTimeout:         getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		ACLPollEvery:           getEnvDuration("ACL_POLL_EVERY", 500*time.Millisecond),
		ACLPollTimeout:         getEnvDuration("ACL_POLL_TIMEOUT", 30*time.Second),
		RateLimitPerMinute:     getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that getEnv defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.ContractAddress.IsZero() {
		return errors.New("CONTRACT_ADDRESS must not be the zero address")
	}
	if c.RateLimitPerMinute <= 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.ACLPollEvery <= 0 || c.ACLPollTimeout <= 0 {
		return errors.New("ACL poll settings must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
