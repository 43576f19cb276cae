/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Initialize SQLite store
  3. Create API handler with dependencies
  4. Start the stale-batch sweeper
  5. Start server with graceful shutdown

CONFIGURATION:
  -port    HTTP server port         (env BILLING_PORT, default 8080)
  -db      SQLite database path     (env BILLING_DB, default billing.db)
           Use ":memory:" for an in-memory database
  Auth secret comes only from the environment (BILLING_AUTH_SECRET);
  empty means unauthenticated dev mode.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper, close the database
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	// .env is optional; environment always wins over defaults.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("BILLING_PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("BILLING_DB", "billing.db"), "SQLite database path")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	handler := api.NewHandler(store, log)

	sweeper := api.NewStaleBatchSweeper(store, log)
	sweeper.Start()
	defer sweeper.Stop()

	authSecret := os.Getenv("BILLING_AUTH_SECRET")
	if authSecret == "" {
		log.Warn().Msg("BILLING_AUTH_SECRET not set, running unauthenticated")
	}
	router := api.NewRouter(handler, authSecret)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", *port).Str("db", *dbPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
