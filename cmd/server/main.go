/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dispensary hub server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration, apply flag overrides
  2. Initialize SQLite store
  3. Wire projector, eligibility gate, audit recorder, coordinator
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  PORT                     HTTP server port (default 8080)
  DB_PATH                  SQLite database path
  DISPENSE_PAYMENT_POLICY  "reject" or "partial" (default "reject")
  CONTRIB_CURRENCY         contribution currency code (default "USD")
  CORS_ORIGINS             comma-separated allowed origins (default "*")
  SHUTDOWN_TIMEOUT         graceful shutdown window (default 10s)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Close the database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/dispensary.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on a different port with partial payments allowed
  DISPENSE_PAYMENT_POLICY=partial ./server -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/verdant/dispensary-hub/api"
	"github.com/verdant/dispensary-hub/audit"
	"github.com/verdant/dispensary-hub/config"
	"github.com/verdant/dispensary-hub/dispense"
	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/member"
	"github.com/verdant/dispensary-hub/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Flags override the environment.
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire the domain
	projector := ledger.NewStockProjector(store)
	gate := member.NewGate(store)
	recorder := audit.NewRecorder(store, func() audit.EventID {
		return audit.EventID(uuid.NewString())
	})
	coordinator := dispense.NewCoordinator(store, recorder, cfg.PaymentPolicy, cfg.Currency)

	handler := api.NewHandler(store, projector, gate, coordinator, recorder)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Dispensary hub listening on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
