package config

import "time"

// Default values used when the environment does not set a key.
const (
	DefaultHTTPPort = "8080"

	DefaultStoreDriver        = DriverSQLite
	DefaultSQLitePath         = "settlement.db"
	DefaultRecordStoreTimeout = 10 * time.Second
	DefaultPendingSQLitePath  = "pending.db"

	DefaultLevel1Percent     = "5"
	DefaultLevel2Percent     = "2"
	DefaultCurrencyPrecision = 2
	DefaultServerTimezone    = "UTC"

	DefaultRetryMaxAttempts       = 5
	DefaultRetryInitialBackoff    = 100 * time.Millisecond
	DefaultRetryMaxBackoff        = 5 * time.Second
	DefaultBalanceConflictRetries = 8

	DefaultPendingRetrySchedule = "*/5 * * * *"
	DefaultPendingRetryBatch    = 100

	DefaultRedisAddr = ""
	DefaultLockTTL   = 30 * time.Second

	DefaultLogLevel = "info"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverRemote = "remote"
)
