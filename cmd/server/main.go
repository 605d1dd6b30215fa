/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the installment billing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, BILLING_* environment, flags)
  2. Open the store (SQLite, PostgreSQL or memory)
  3. Wire optional integrations:
     - Redis balance cache        (redis.url)
     - SendGrid receipts          (sendgrid.api_key, else logged)
     - Midtrans confirmation      (midtrans.server_key)
  4. Create engine, outbox relay, API handler and router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides http.port)
  -db      SQLite database path (overrides db.path)
           Use ":memory:" for in-memory database
  -env     .env file to load (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the outbox relay
  4. Close cache and database connections

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run against PostgreSQL with Redis
  BILLING_DB_DRIVER=postgres BILLING_DB_DSN=postgres://... \
  BILLING_REDIS_URL=redis://localhost:6379/0 ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	memstore "github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/cache"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/gateway"
	"github.com/warp/billing-engine/notify"
	"github.com/warp/billing-engine/scheduler"
	"github.com/warp/billing-engine/store/postgres"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	// Flags
	envFile := flag.String("env", ".env", "dotenv file to load")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	logger, err := newLogger(cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Initialize store
	store, closeStore, err := openStore(cfg.DB, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer closeStore.Close()

	opts := []billing.Option{
		billing.WithLogger(logger),
		billing.WithLocation(loc),
		billing.WithCurrency(cfg.Billing.Currency),
	}

	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisBalanceCache(cfg.Redis.URL, cfg.Redis.CacheTTL, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rc.Close()
		opts = append(opts, billing.WithBalanceCache(rc))
		logger.Info("balance cache enabled", zap.Duration("ttl", cfg.Redis.CacheTTL))
	}

	if cfg.Mail.SendGridAPIKey != "" {
		opts = append(opts, billing.WithNotifier(
			notify.NewSendGridNotifier(cfg.Mail.SendGridAPIKey, cfg.Mail.From, cfg.Mail.FromName, logger)))
		logger.Info("e-mail receipts enabled", zap.String("from", cfg.Mail.From))
	} else {
		opts = append(opts, billing.WithNotifier(notify.NewLogNotifier(logger)))
	}

	engine := billing.NewEngine(store, opts...)

	relay := scheduler.NewOutboxRelay(store, engine, logger)
	relay.Interval = cfg.Outbox.Interval
	relay.BatchSize = cfg.Outbox.BatchSize
	relay.MaxAttempts = cfg.Outbox.MaxAttempts
	relay.Start()
	defer relay.Stop()

	handler := api.NewHandler(engine, logger)
	handler.Relay = relay
	if cfg.Midtrans.ServerKey != "" {
		client := gateway.NewMidtransClient(cfg.Midtrans.ServerKey, cfg.Midtrans.Production)
		handler.Confirmer = gateway.NewMidtransConfirmer(client, engine, logger)
		logger.Info("midtrans confirmation enabled", zap.Bool("production", cfg.Midtrans.Production))
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("db", cfg.DB.Driver),
			zap.String("currency", cfg.Billing.Currency),
			zap.String("timezone", loc.String()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore returns the configured store and its closer.
func openStore(cfg config.DBConfig, logger *zap.Logger) (billing.Store, io.Closer, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.Open(cfg.DSN, logger)
		return s, s, err
	case "memory":
		return memstore.NewMemory(), nopCloser{}, nil
	default:
		s, err := sqlite.New(cfg.Path)
		return s, s, err
	}
}
