/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration (env + optional .env)
  2. Build the logger
  3. Open the record store (sqlite | memory | remote)
  4. Choose the per-lot lock (Redis when REDIS_ADDR is set)
  5. Build metrics, coordinator, API handler, router
  6. Start the pending commission job and the HTTP server
  7. Wait for a signal, then shut down in reverse order

COMMAND-LINE FLAGS:
  -config  .env file to load before reading the environment
  -port    HTTP server port (overrides HTTP_PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database
  -store   store driver (overrides STORE_DRIVER)

STORE DRIVERS:
  sqlite   records and pending queue in SQLITE_PATH
  memory   records and pending queue in memory
  remote   records at RECORD_STORE_URL, pending queue in PENDING_SQLITE_PATH

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the cron job, waiting for a running pass
  4. Close the database and Redis connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/settlement.db"

  # Two instances: one owns the data, the other settles against it
  ./server -port=8080 -store=sqlite
  STORE_DRIVER=remote RECORD_STORE_URL=http://localhost:8080/store ./server -port=8081

SEE ALSO:
  - config/config.go: environment keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/AzimPower/investpro-sub001/api"
	"github.com/AzimPower/investpro-sub001/config"
	"github.com/AzimPower/investpro-sub001/jobs"
	"github.com/AzimPower/investpro-sub001/lock"
	"github.com/AzimPower/investpro-sub001/logging"
	"github.com/AzimPower/investpro-sub001/metrics"
	"github.com/AzimPower/investpro-sub001/recordstore"
	"github.com/AzimPower/investpro-sub001/settlement"
	memstore "github.com/AzimPower/investpro-sub001/settlement/store"
	"github.com/AzimPower/investpro-sub001/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "optional .env file")
	port := flag.String("port", "", "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	driver := flag.String("store", "", "store driver: sqlite, memory or remote")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.HTTPPort = *port
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logger.Level)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	collector := metrics.New()

	// Record store
	st, err := openStore(cfg, log, collector)
	if err != nil {
		return err
	}
	defer st.close()

	// Per-lot lock
	locks, closeLocks, err := openLocks(cfg, log)
	if err != nil {
		return err
	}
	defer closeLocks()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	rates, err := cfg.CommissionRates()
	if err != nil {
		return err
	}

	coord := settlement.NewCoordinator(settlement.CoordinatorConfig{
		Store:           st.records,
		Pending:         st.pending,
		Locks:           locks,
		Rates:           rates,
		Retry:           cfg.RetryPolicy(),
		Location:        loc,
		Logger:          log,
		Observer:        collector,
		ConflictRetries: cfg.Retry.ConflictRetries,
	})

	// Background completion of queued settlements
	job, err := jobs.NewPendingCommissionJob(coord, jobs.Options{
		Schedule:  cfg.Pending.Schedule,
		BatchSize: cfg.Pending.BatchSize,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.HandlerConfig{
		Coordinator: coord,
		Store:       st.records,
		Pending:     st.pending,
		Local:       st.local,
		Retry:       job,
		Logger:      log,
		RetryBatch:  cfg.Pending.BatchSize,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		Metrics: collector,
		Health:  st.health,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	job.Start()

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":     cfg.Server.HTTPPort,
			"store":    cfg.Store.Driver,
			"timezone": loc.String(),
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := job.Stop(ctx); err != nil {
		log.WithError(err).Warn("pending commission job did not stop in time")
	}

	log.Info("server stopped")
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

type openedStore struct {
	records settlement.RecordStore
	pending settlement.PendingStore
	local   api.LocalStore // nil for the remote driver
	health  func(ctx context.Context) error
	close   func()
}

func openStore(cfg *config.Config, log *logrus.Logger, collector *metrics.Collector) (*openedStore, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		db, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		log.WithField("path", cfg.Store.SQLitePath).Info("sqlite store opened")
		return &openedStore{
			records: db,
			pending: db,
			local:   db,
			health:  db.Ping,
			close:   func() { db.Close() },
		}, nil

	case config.DriverMemory:
		m := memstore.NewMemory()
		log.Warn("memory store: all data is lost on restart")
		return &openedStore{records: m, pending: m, local: m, close: func() {}}, nil

	case config.DriverRemote:
		client, err := recordstore.New(recordstore.Config{
			URL:     cfg.Store.RecordStoreURL,
			Timeout: cfg.Store.RecordStoreTimeout,
			Logger:  log,
			Observe: collector.ObserveStoreCall,
		})
		if err != nil {
			return nil, err
		}
		queue, err := sqlite.New(cfg.Store.PendingSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open pending queue: %w", err)
		}
		log.WithFields(logrus.Fields{
			"url":          cfg.Store.RecordStoreURL,
			"pending_path": cfg.Store.PendingSQLitePath,
		}).Info("remote record store configured")
		return &openedStore{
			records: client,
			pending: queue,
			health:  queue.Ping,
			close:   func() { queue.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func openLocks(cfg *config.Config, log *logrus.Logger) (settlement.Locker, func(), error) {
	if cfg.Lock.RedisAddr == "" {
		log.Info("using in-process lot locks; run a single instance")
		return settlement.NewKeyedMutex(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Lock.RedisAddr, err)
	}
	log.WithField("addr", cfg.Lock.RedisAddr).Info("using redis lot locks")

	locker := lock.NewRedisLocker(client, lock.Options{TTL: cfg.Lock.TTL, Logger: log})
	return locker, func() {
		if err := client.Close(); err != nil && !errors.Is(err, io.EOF) {
			log.WithError(err).Warn("failed to close redis client")
		}
	}, nil
}
