/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the CDR ledger server.
  Handles configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults, file, .env, environment)
  3. Build logger, metrics registry, store and engine
  4. Configure HTTP router and cycle-close scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides the configuration

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler, waiting for a running pass
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the engine and store
  5. Exit

EXAMPLES:
  # In-memory store, system clock
  ./server

  # SQLite store on a different port
  CDRLEDGER_STORE_DRIVER=sqlite CDRLEDGER_STORE_SQLITE_PATH=./data/ledger.db ./server -port=3000

  # Manual clock for local testing
  CDRLEDGER_BILLING_CLOCK=manual ./server

ENVIRONMENT:
  Every configuration key can be set as CDRLEDGER_<SECTION>_<KEY>.
  See config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - factory/runtime.go: Store and engine assembly
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/warp/cdr-ledger/api"
	"github.com/warp/cdr-ledger/config"
	"github.com/warp/cdr-ledger/factory"
	"github.com/warp/cdr-ledger/logging"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Initialize store and engine
	rt, err := factory.Build(ctx, cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer rt.Close()

	handler := api.NewHandler(rt.Engine, rt.Manual, logger.Named("http"))
	router := api.NewRouter(handler, reg)

	scheduler := api.NewCycleCloseScheduler(rt.Engine, cfg.Scheduler.Spec, logger.Named("scheduler"))
	scheduler.Enabled = cfg.Scheduler.Enabled
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("api", fmt.Sprintf("http://localhost:%d/api", cfg.HTTP.Port)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal or listener failure
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
