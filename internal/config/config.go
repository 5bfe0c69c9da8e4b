/**
 * @description
 * Configuration management for the deposit relay. Values come from environment
 * variables, optionally seeded from a .env file, and are read once at startup.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 * - github.com/gagliardetto/solana-go: validates the watched address.
 */

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverBadger   = "badger"

	QueueDriverStore    = "store"
	QueueDriverRabbitMQ = "rabbitmq"
)

// Config holds all the configuration variables for the deposit relay.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	Environment string `mapstructure:"ENVIRONMENT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	WatchedAddress   string `mapstructure:"WATCHED_ADDRESS"`
	SourceRPCURL     string `mapstructure:"SOURCE_RPC_URL"`
	SourceWSURL      string `mapstructure:"SOURCE_WS_URL"`
	SourceCommitment string `mapstructure:"SOURCE_COMMITMENT"`
	AcceptedMint     string `mapstructure:"ACCEPTED_MINT"`
	RPCTimeoutMs     int    `mapstructure:"RPC_TIMEOUT_MS"`

	PollIntervalMs             int `mapstructure:"POLL_INTERVAL_MS"`
	PollInitialLookbackSeconds int `mapstructure:"POLL_INITIAL_LOOKBACK_SECONDS"`
	PollPageLimit              int `mapstructure:"POLL_PAGE_LIMIT"`

	PushEnabled            bool `mapstructure:"PUSH_ENABLED"`
	PushLookbackSignatures int  `mapstructure:"PUSH_LOOKBACK_SIGNATURES"`
	PushReconnectMaxMs     int  `mapstructure:"PUSH_RECONNECT_MAX_MS"`

	BreakerFailureThreshold int `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerOpenSeconds      int `mapstructure:"BREAKER_OPEN_SECONDS"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	BadgerDir   string `mapstructure:"BADGER_DIR"`

	WebhookQueueDriver  string `mapstructure:"WEBHOOK_QUEUE_DRIVER"`
	WebhookAuthToken    string `mapstructure:"WEBHOOK_AUTH_TOKEN"`
	WebhookMaxBodyBytes int64  `mapstructure:"WEBHOOK_MAX_BODY_BYTES"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	RelayExchange       string `mapstructure:"RELAY_EXCHANGE"`
	WebhookQueue        string `mapstructure:"WEBHOOK_QUEUE"`

	RedisURL         string `mapstructure:"REDIS_URL"`
	RedisLeasePrefix string `mapstructure:"REDIS_LEASE_PREFIX"`

	LedgerAPIBaseURL string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerJWTSecret  string `mapstructure:"LEDGER_JWT_SECRET"`
	LedgerTimeoutMs  int    `mapstructure:"LEDGER_TIMEOUT_MS"`

	DirectoryAPIBaseURL string `mapstructure:"DIRECTORY_API_BASE_URL"`
	DirectoryAPIKey     string `mapstructure:"DIRECTORY_API_KEY"`

	CreditWorkers          int `mapstructure:"CREDIT_WORKERS"`
	CreditQueueSize        int `mapstructure:"CREDIT_QUEUE_SIZE"`
	CreditMaxAttempts      int `mapstructure:"CREDIT_MAX_ATTEMPTS"`
	CreditBackoffBaseMs    int `mapstructure:"CREDIT_BACKOFF_BASE_MS"`
	CreditBackoffMaxMs     int `mapstructure:"CREDIT_BACKOFF_MAX_MS"`
	CreditMaxCycles        int `mapstructure:"CREDIT_MAX_CYCLES"`
	CorrelationMaxAttempts int `mapstructure:"CORRELATION_MAX_ATTEMPTS"`

	ReconcileSchedule       string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileWindowHours    int    `mapstructure:"RECONCILE_WINDOW_HOURS"`
	ReconcileMaxSignatures  int    `mapstructure:"RECONCILE_MAX_SIGNATURES"`
	CorrelationSchedule     string `mapstructure:"CORRELATION_SCHEDULE"`
	CreditRetrySchedule     string `mapstructure:"CREDIT_RETRY_SCHEDULE"`
	StaleReservationSeconds int    `mapstructure:"STALE_RESERVATION_SECONDS"`

	SentryDSN          string `mapstructure:"SENTRY_DSN"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("SOURCE_COMMITMENT", "confirmed")
	viper.SetDefault("RPC_TIMEOUT_MS", 5000)
	viper.SetDefault("POLL_INTERVAL_MS", 2000)
	viper.SetDefault("POLL_INITIAL_LOOKBACK_SECONDS", 0)
	viper.SetDefault("POLL_PAGE_LIMIT", 100)
	viper.SetDefault("PUSH_ENABLED", true)
	viper.SetDefault("PUSH_LOOKBACK_SIGNATURES", 10)
	viper.SetDefault("PUSH_RECONNECT_MAX_MS", 30000)
	viper.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	viper.SetDefault("BREAKER_OPEN_SECONDS", 30)
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("BADGER_DIR", "./data/badger")
	viper.SetDefault("WEBHOOK_QUEUE_DRIVER", QueueDriverStore)
	viper.SetDefault("WEBHOOK_MAX_BODY_BYTES", 1<<20)
	viper.SetDefault("RELAY_EXCHANGE", "deposit_relay.events")
	viper.SetDefault("WEBHOOK_QUEUE", "deposit_relay.webhook_deliveries")
	viper.SetDefault("REDIS_LEASE_PREFIX", "deposit_relay:lease")
	viper.SetDefault("LEDGER_TIMEOUT_MS", 10000)
	viper.SetDefault("CREDIT_WORKERS", 4)
	viper.SetDefault("CREDIT_QUEUE_SIZE", 256)
	viper.SetDefault("CREDIT_MAX_ATTEMPTS", 3)
	viper.SetDefault("CREDIT_BACKOFF_BASE_MS", 500)
	viper.SetDefault("CREDIT_BACKOFF_MAX_MS", 30000)
	viper.SetDefault("CREDIT_MAX_CYCLES", 3)
	viper.SetDefault("CORRELATION_MAX_ATTEMPTS", 10)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("RECONCILE_WINDOW_HOURS", 24)
	viper.SetDefault("RECONCILE_MAX_SIGNATURES", 1000)
	viper.SetDefault("CORRELATION_SCHEDULE", "@every 30s")
	viper.SetDefault("CREDIT_RETRY_SCHEDULE", "@every 1m")
	viper.SetDefault("STALE_RESERVATION_SECONDS", 300)

	// The original scripts used TARGET / HELIUS_* names; keep them as aliases.
	_ = viper.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")
	_ = viper.BindEnv("ENVIRONMENT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("WATCHED_ADDRESS", "WATCHED_ADDRESS", "TARGET")
	_ = viper.BindEnv("SOURCE_RPC_URL", "SOURCE_RPC_URL", "HELIUS_CLUSTER_RPC")
	_ = viper.BindEnv("SOURCE_WS_URL", "SOURCE_WS_URL", "HELIUS_CLUSTER_WSS")
	_ = viper.BindEnv("SOURCE_COMMITMENT")
	_ = viper.BindEnv("ACCEPTED_MINT")
	_ = viper.BindEnv("RPC_TIMEOUT_MS")
	_ = viper.BindEnv("POLL_INTERVAL_MS")
	_ = viper.BindEnv("POLL_INITIAL_LOOKBACK_SECONDS")
	_ = viper.BindEnv("POLL_PAGE_LIMIT")
	_ = viper.BindEnv("PUSH_ENABLED")
	_ = viper.BindEnv("PUSH_LOOKBACK_SIGNATURES")
	_ = viper.BindEnv("PUSH_RECONNECT_MAX_MS")
	_ = viper.BindEnv("BREAKER_FAILURE_THRESHOLD")
	_ = viper.BindEnv("BREAKER_OPEN_SECONDS")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("BADGER_DIR")
	_ = viper.BindEnv("WEBHOOK_QUEUE_DRIVER")
	_ = viper.BindEnv("WEBHOOK_AUTH_TOKEN", "WEBHOOK_AUTH_TOKEN", "HELIUS_WEBHOOK_AUTH")
	_ = viper.BindEnv("WEBHOOK_MAX_BODY_BYTES")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RELAY_EXCHANGE")
	_ = viper.BindEnv("WEBHOOK_QUEUE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_LEASE_PREFIX")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_JWT_SECRET")
	_ = viper.BindEnv("LEDGER_TIMEOUT_MS")
	_ = viper.BindEnv("DIRECTORY_API_BASE_URL")
	_ = viper.BindEnv("DIRECTORY_API_KEY")
	_ = viper.BindEnv("CREDIT_WORKERS")
	_ = viper.BindEnv("CREDIT_QUEUE_SIZE")
	_ = viper.BindEnv("CREDIT_MAX_ATTEMPTS")
	_ = viper.BindEnv("CREDIT_BACKOFF_BASE_MS")
	_ = viper.BindEnv("CREDIT_BACKOFF_MAX_MS")
	_ = viper.BindEnv("CREDIT_MAX_CYCLES")
	_ = viper.BindEnv("CORRELATION_MAX_ATTEMPTS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_WINDOW_HOURS")
	_ = viper.BindEnv("RECONCILE_MAX_SIGNATURES")
	_ = viper.BindEnv("CORRELATION_SCHEDULE")
	_ = viper.BindEnv("CREDIT_RETRY_SCHEDULE")
	_ = viper.BindEnv("STALE_RESERVATION_SECONDS")
	_ = viper.BindEnv("SENTRY_DSN")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.WatchedAddress = strings.TrimSpace(config.WatchedAddress)
	config.SourceRPCURL = strings.TrimSpace(config.SourceRPCURL)
	config.SourceWSURL = strings.TrimSpace(config.SourceWSURL)
	config.SourceCommitment = strings.ToLower(strings.TrimSpace(config.SourceCommitment))
	config.AcceptedMint = strings.TrimSpace(config.AcceptedMint)
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.WebhookQueueDriver = strings.ToLower(strings.TrimSpace(config.WebhookQueueDriver))
	config.WebhookAuthToken = strings.TrimSpace(config.WebhookAuthToken)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisLeasePrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisLeasePrefix), ":")
	if config.RedisLeasePrefix == "" {
		config.RedisLeasePrefix = "deposit_relay:lease"
	}
	config.LedgerAPIBaseURL = strings.TrimSpace(config.LedgerAPIBaseURL)
	config.DirectoryAPIBaseURL = strings.TrimSpace(config.DirectoryAPIBaseURL)

	if config.PushLookbackSignatures <= 0 {
		config.PushLookbackSignatures = 10
	}
	if config.CreditWorkers <= 0 {
		config.CreditWorkers = 1
	}
	if config.CreditMaxAttempts <= 0 {
		config.CreditMaxAttempts = 1
	}
	if config.CreditMaxCycles <= 0 {
		config.CreditMaxCycles = 1
	}
	if config.CorrelationMaxAttempts <= 0 {
		config.CorrelationMaxAttempts = 1
	}

	err = config.validate()
	return
}

func (c Config) validate() error {
	if c.WatchedAddress == "" {
		return fmt.Errorf("WATCHED_ADDRESS (or TARGET) must be configured")
	}
	if _, err := solana.PublicKeyFromBase58(c.WatchedAddress); err != nil {
		return fmt.Errorf("WATCHED_ADDRESS is not a valid base58 public key: %w", err)
	}
	if c.AcceptedMint != "" {
		if _, err := solana.PublicKeyFromBase58(c.AcceptedMint); err != nil {
			return fmt.Errorf("ACCEPTED_MINT is not a valid base58 public key: %w", err)
		}
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL must be configured when STORE_DRIVER=postgres")
		}
	case StoreDriverBadger:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.WebhookQueueDriver {
	case QueueDriverStore:
	case QueueDriverRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("RABBITMQ_URL must be configured when WEBHOOK_QUEUE_DRIVER=rabbitmq")
		}
	default:
		return fmt.Errorf("unsupported WEBHOOK_QUEUE_DRIVER %q", c.WebhookQueueDriver)
	}
	switch c.SourceCommitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("unsupported SOURCE_COMMITMENT %q", c.SourceCommitment)
	}
	return nil
}

// PollInterval is the configured poll tick.
func (c Config) PollInterval() time.Duration {
	return millis(c.PollIntervalMs, 2*time.Second)
}

// RPCTimeout bounds every source ledger call.
func (c Config) RPCTimeout() time.Duration {
	return millis(c.RPCTimeoutMs, 5*time.Second)
}

// PushReconnectMax caps the push adapter's reconnect backoff.
func (c Config) PushReconnectMax() time.Duration {
	return millis(c.PushReconnectMaxMs, 30*time.Second)
}

// LedgerTimeout bounds each destination ledger call.
func (c Config) LedgerTimeout() time.Duration {
	return millis(c.LedgerTimeoutMs, 10*time.Second)
}

// CreditBackoffBase is the first retry delay of the crediting engine.
func (c Config) CreditBackoffBase() time.Duration {
	return millis(c.CreditBackoffBaseMs, 500*time.Millisecond)
}

// CreditBackoffMax caps the crediting engine's retry delay.
func (c Config) CreditBackoffMax() time.Duration {
	return millis(c.CreditBackoffMaxMs, 30*time.Second)
}

// BreakerOpenFor is how long the breaker stays open before probing again.
func (c Config) BreakerOpenFor() time.Duration {
	if c.BreakerOpenSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.BreakerOpenSeconds) * time.Second
}

// PollInitialLookback is how far back the first poll cycle reaches without a stored watermark.
func (c Config) PollInitialLookback() time.Duration {
	if c.PollInitialLookbackSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PollInitialLookbackSeconds) * time.Second
}

// ReconcileWindow is the history depth scanned by the reconciliation loop.
func (c Config) ReconcileWindow() time.Duration {
	if c.ReconcileWindowHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.ReconcileWindowHours) * time.Hour
}

// StaleReservationAge is how old a Reserved record must be before the sweep resubmits it.
func (c Config) StaleReservationAge() time.Duration {
	if c.StaleReservationSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.StaleReservationSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func millis(value int, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value) * time.Millisecond
}
