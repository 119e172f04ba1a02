/*
main.go - Application entry point

PURPOSE:
  Starts the shared-ledger server: the authoritative event store behind an
  HTTP API and a websocket change feed, shared by both participants'
  devices.

STARTUP SEQUENCE:
  1. Parse command-line flags and load the YAML config
  2. Open the configured store (memory, sqlite or postgres)
  3. Create API handler with dependencies
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional, defaults apply otherwise)
  -port    HTTP server port, overrides server.addr
  -driver  Store driver, overrides store.driver
  -db      Store DSN, overrides store.dsn
           Use ":memory:" with sqlite for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the store and its change subscriptions
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run against PostgreSQL
  ./server -driver=postgres -db="postgres://ledger@localhost/ledger?sslmode=disable"

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/shared-ledger/api"
	"github.com/warp/shared-ledger/config"
	"github.com/warp/shared-ledger/ledger"
	"github.com/warp/shared-ledger/ledger/store"
	"github.com/warp/shared-ledger/store/postgres"
	"github.com/warp/shared-ledger/store/sqlite"
)

// ledgerStore is a ledger.Store that owns resources.
type ledgerStore interface {
	ledger.Store
	io.Closer
}

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides server.addr)")
	driver := flag.String("driver", "", "Store driver: memory, sqlite or postgres")
	dsn := flag.String("db", "", "Store DSN (SQLite path or PostgreSQL URL)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", *port)
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logger()
	slog.SetDefault(logger)

	classifier, err := cfg.Classifier()
	if err != nil {
		logger.Error("invalid participants", "error", err)
		os.Exit(1)
	}

	// Initialize store
	st, err := openStore(context.Background(), cfg, classifier, logger)
	if err != nil {
		logger.Error("failed to initialize store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Initialize handler
	handler := api.NewHandler(st, classifier, cfg.Currency)
	handler.Logger = logger
	handler.AllowedOrigins = cfg.Server.AllowedOrigins

	// Create router
	router := api.NewRouter(handler)

	// Create server. No WriteTimeout: the change feed is long-lived.
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "driver", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, classifier *ledger.Classifier, logger *slog.Logger) (ledgerStore, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return store.NewMemory(store.WithPair(classifier.Pair())), nil
	case config.DriverSQLite:
		return sqlite.New(cfg.Store.DSN, sqlite.WithPair(classifier.Pair()))
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s, err := postgres.New(ctx, cfg.Store.DSN, classifier)
		if err != nil {
			return nil, err
		}
		return s.WithLogger(logger), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
