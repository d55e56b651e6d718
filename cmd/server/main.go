/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the mixing plan engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults < file < MIXPLAN_* env < flags)
  3. Build the logger
  4. Initialize SQLite store and the change hub
  5. Create API handler and audit scheduler
  6. Configure HTTP router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --config      Optional config file (yaml, toml or json)
  --port        HTTP server port (default: 8080)
  --db          SQLite database path (default: mixing.db)
                Use ":memory:" for in-memory database
  --log-level   debug, info, warn, error (default: info)
  --log-format  console or json (default: console)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_grace)
  3. Stop the audit scheduler and live views
  4. Close the hub and the database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server --db="./data/mixing.db"

  # Run with in-memory database and JSON logs
  ./server --db=":memory:" --log-format=json

  # Run on different port via environment
  MIXPLAN_SERVER_PORT=3000 ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/warp/mixing-engine/api"
	"github.com/warp/mixing-engine/config"
	"github.com/warp/mixing-engine/costing"
	"github.com/warp/mixing-engine/logging"
	"github.com/warp/mixing-engine/realtime"
	"github.com/warp/mixing-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	configPath := flags.String("config", "", "Config file path")
	flags.Int("port", 8080, "HTTP server port")
	flags.String("db", "mixing.db", "SQLite database path")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "console", "Log format (console or json)")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	hub := realtime.NewHub(realtime.WithHubLogger(log))
	defer hub.Close()

	// Initialize handler
	handler := api.NewHandler(store,
		api.WithLogger(log),
		api.WithHub(hub),
		api.WithCostOptions(costing.WithTTL(cfg.Costing.CacheTTL)),
		api.WithSyncOptions(
			realtime.WithDebounce(cfg.Sync.Debounce),
			realtime.WithTaskFlash(cfg.Sync.TaskFlash),
			realtime.WithLinkFlash(cfg.Sync.LinkFlash),
			realtime.WithMaxResubscribe(cfg.Sync.MaxResubscribe),
		),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)
	defer handler.Close()

	// Start the link audit
	audit := api.NewAuditScheduler(store, handler.Ledger, log)
	audit.CheckInterval = cfg.Audit.Interval
	audit.Enabled = cfg.Audit.Enabled
	audit.Start()
	defer audit.Stop()

	// Create router
	router := api.NewRouter(handler, audit, cfg.Server.AllowedOrigins)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("server starting",
			"port", cfg.Server.Port, "database", cfg.Database.Path, "audit_enabled", cfg.Audit.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server: %w", err)
	case sig := <-quit:
		log.Infow("shutting down server", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", zap.Error(err))
		return err
	}

	log.Infow("server stopped")
	return nil
}
