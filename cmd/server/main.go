/*
main.go - Application entry point

PURPOSE:
  Starts the agency billing service: contracts API, installment generation,
  status propagation and the periodic reconciliation sweep.

STARTUP SEQUENCE:
  1. Load configuration (environment, optional app.env)
  2. Build the logger
  3. Open the SQLite store
  4. Wire Reconciler, Handler and router
  5. Start the sweep scheduler (if enabled)
  6. Serve HTTP until SIGINT/SIGTERM

ENVIRONMENT:
  APP_ENV               development | production (default: development)
  HTTP_HOST, HTTP_PORT  Listen address (default: 0.0.0.0:8080)
  DB_PATH               SQLite path, ":memory:" allowed (default: billing.db)
  SCHEDULER_ENABLED     Run the periodic sweep (default: true)
  SCHEDULER_INTERVAL    Sweep interval (default: 1h)
  BILLING_MAX_MONTHS    Installment cap per contract (default: 240)
  CORS_ALLOWED_ORIGINS  Comma-separated origins

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler, waiting for an in-flight sweep
  2. Stop accepting connections, drain requests (30s timeout)
  3. Close the database

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
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
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/agency-billing/api"
	"github.com/warp/agency-billing/billing"
	"github.com/warp/agency-billing/config"
	"github.com/warp/agency-billing/logger"
	"github.com/warp/agency-billing/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Environment)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	reconciler := billing.NewReconciler(store, billing.SystemClock{}, log)
	reconciler.Scheduler = billing.Scheduler{MaxMonths: cfg.Billing.MaxMonths}

	handler := api.NewHandler(store, reconciler, log)
	router := api.NewRouter(handler, cfg.HTTP.AllowedOrigins)

	scheduler := api.NewReconciliationScheduler(handler, cfg.Scheduler.Interval, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("env", cfg.Environment).
			Str("db", cfg.DB.Path).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}
