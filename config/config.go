/*
Package config loads service configuration from the environment.

PURPOSE:
  An optional .env file is loaded first (godotenv), then every key is read
  from the environment with a typed default. Command-line flags in
  cmd/server override the result.

KEYS:
  HTTP_PORT, LOG_LEVEL
  STORE_DRIVER (sqlite | memory | remote), SQLITE_PATH,
  RECORD_STORE_URL, RECORD_STORE_TIMEOUT
  LEVEL1_PERCENT, LEVEL2_PERCENT, CURRENCY_PRECISION, SERVER_TIMEZONE
  RETRY_MAX_ATTEMPTS, RETRY_INITIAL_BACKOFF, RETRY_MAX_BACKOFF,
  BALANCE_CONFLICT_RETRIES
  PENDING_RETRY_SCHEDULE, PENDING_RETRY_BATCH
  REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, LOCK_TTL

SEE ALSO:
  - defaults.go: default values
  - cmd/server/main.go: flag overrides and wiring
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/AzimPower/investpro-sub001/settlement"
)

type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Commission CommissionConfig
	Retry      RetryConfig
	Pending    PendingConfig
	Lock       LockConfig
	Logger     LoggerConfig
}

type ServerConfig struct {
	HTTPPort string
	Timezone string
}

type StoreConfig struct {
	Driver             string
	SQLitePath         string
	RecordStoreURL     string
	RecordStoreTimeout time.Duration

	// PendingSQLitePath holds the pending queue of the remote driver, which
	// has no local record store to keep it in.
	PendingSQLitePath string
}

type CommissionConfig struct {
	Level1Percent string
	Level2Percent string
	Precision     int
}

type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	ConflictRetries int
}

type PendingConfig struct {
	Schedule  string
	BatchSize int
}

// LockConfig selects the per-lot lock. An empty RedisAddr means
// in-process locks, which are only safe with a single instance.
type LockConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

type LoggerConfig struct {
	Level string
}

// Load reads configuration, loading configPath as a .env file first when set.
func Load(configPath string) (*Config, error) {
	if configPath != "" {
		if err := godotenv.Load(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg := &Config{}

	cfg.Server.HTTPPort = getEnv("HTTP_PORT", DefaultHTTPPort)
	cfg.Server.Timezone = getEnv("SERVER_TIMEZONE", DefaultServerTimezone)

	cfg.Store.Driver = getEnv("STORE_DRIVER", DefaultStoreDriver)
	cfg.Store.SQLitePath = getEnv("SQLITE_PATH", DefaultSQLitePath)
	cfg.Store.RecordStoreURL = getEnv("RECORD_STORE_URL", "")
	cfg.Store.RecordStoreTimeout = getEnvDuration("RECORD_STORE_TIMEOUT", DefaultRecordStoreTimeout)
	cfg.Store.PendingSQLitePath = getEnv("PENDING_SQLITE_PATH", DefaultPendingSQLitePath)

	cfg.Commission.Level1Percent = getEnv("LEVEL1_PERCENT", DefaultLevel1Percent)
	cfg.Commission.Level2Percent = getEnv("LEVEL2_PERCENT", DefaultLevel2Percent)
	cfg.Commission.Precision = getEnvInt("CURRENCY_PRECISION", DefaultCurrencyPrecision)

	cfg.Retry.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", DefaultRetryMaxAttempts)
	cfg.Retry.InitialBackoff = getEnvDuration("RETRY_INITIAL_BACKOFF", DefaultRetryInitialBackoff)
	cfg.Retry.MaxBackoff = getEnvDuration("RETRY_MAX_BACKOFF", DefaultRetryMaxBackoff)
	cfg.Retry.ConflictRetries = getEnvInt("BALANCE_CONFLICT_RETRIES", DefaultBalanceConflictRetries)

	cfg.Pending.Schedule = getEnv("PENDING_RETRY_SCHEDULE", DefaultPendingRetrySchedule)
	cfg.Pending.BatchSize = getEnvInt("PENDING_RETRY_BATCH", DefaultPendingRetryBatch)

	cfg.Lock.RedisAddr = getEnv("REDIS_ADDR", DefaultRedisAddr)
	cfg.Lock.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.Lock.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.Lock.TTL = getEnvDuration("LOCK_TTL", DefaultLockTTL)

	cfg.Logger.Level = getEnv("LOG_LEVEL", DefaultLogLevel)

	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.Server.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverRemote:
		if c.Store.RecordStoreURL == "" {
			return fmt.Errorf("RECORD_STORE_URL is required for the remote driver")
		}
		if c.Store.PendingSQLitePath == "" {
			return fmt.Errorf("PENDING_SQLITE_PATH is required for the remote driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	if _, err := c.CommissionRates(); err != nil {
		return err
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("retry backoff must satisfy 0 <= RETRY_INITIAL_BACKOFF <= RETRY_MAX_BACKOFF")
	}
	if c.Retry.ConflictRetries < 0 {
		return fmt.Errorf("BALANCE_CONFLICT_RETRIES must not be negative")
	}

	if c.Pending.Schedule != "" {
		if _, err := cron.ParseStandard(c.Pending.Schedule); err != nil {
			return fmt.Errorf("invalid PENDING_RETRY_SCHEDULE: %w", err)
		}
	}
	if c.Pending.BatchSize < 1 {
		return fmt.Errorf("PENDING_RETRY_BATCH must be at least 1")
	}

	if c.Lock.RedisAddr != "" && c.Lock.TTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive when REDIS_ADDR is set")
	}

	if _, err := logrus.ParseLevel(c.Logger.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Logger.Level)
	}

	return nil
}

// Location returns the server time zone used for the claim day boundary.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_TIMEZONE %q: %w", c.Server.Timezone, err)
	}
	return loc, nil
}

// CommissionRates builds the cascade rates. Commissions apply to earnings only.
func (c *Config) CommissionRates() (settlement.CommissionRates, error) {
	l1, err := decimal.NewFromString(c.Commission.Level1Percent)
	if err != nil {
		return settlement.CommissionRates{}, fmt.Errorf("invalid LEVEL1_PERCENT %q: %w", c.Commission.Level1Percent, err)
	}
	l2, err := decimal.NewFromString(c.Commission.Level2Percent)
	if err != nil {
		return settlement.CommissionRates{}, fmt.Errorf("invalid LEVEL2_PERCENT %q: %w", c.Commission.Level2Percent, err)
	}
	hundred := decimal.NewFromInt(100)
	if l1.IsNegative() || l2.IsNegative() || l1.Add(l2).GreaterThan(hundred) {
		return settlement.CommissionRates{}, fmt.Errorf("commission percents must be non-negative and sum to at most 100")
	}
	if c.Commission.Precision < 0 || c.Commission.Precision > 8 {
		return settlement.CommissionRates{}, fmt.Errorf("CURRENCY_PRECISION must be between 0 and 8")
	}
	return settlement.CommissionRates{
		Level1Percent: l1,
		Level2Percent: l2,
		Precision:     int32(c.Commission.Precision),
		ApplyTo:       []settlement.TransactionType{settlement.TxEarning},
	}, nil
}

// RetryPolicy builds the policy for transient store failures.
func (c *Config) RetryPolicy() settlement.RetryPolicy {
	p := settlement.DefaultRetryPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.InitialBackoff = c.Retry.InitialBackoff
	p.MaxBackoff = c.Retry.MaxBackoff
	return p
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
