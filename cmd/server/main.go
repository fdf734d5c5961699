/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  settlement            Same as "serve"
  settlement serve      HTTP API plus the billing scheduler
  settlement bill       One billing run, then exit (cron-friendly)
  settlement version    Print version information

STARTUP SEQUENCE:
  1. Load configuration (config.yaml, .env, SETTLEMENT_* variables)
  2. Build the zap logger
  3. Open the SQLite store
  4. Build settlement.Service
  5. Configure HTTP router, start scheduler
  6. Serve with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the billing scheduler (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  SETTLEMENT_DATABASE_PATH=./data/settlement.db ./settlement serve

  # Run with in-memory database and no scheduler
  ./settlement serve --db=":memory:" --no-scheduler

  # Bill as of a given day
  ./settlement bill --as-of=2025-04-01 --workers=8

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/pricing"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	dbPathFlag      string
	addrFlag        string
	noSchedulerFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "settlement",
	Short:         "Contract pricing and settlement engine",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the billing scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("settlement %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "SQLite database path (overrides database.path)")
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides server.address)")
	serveCmd.Flags().BoolVar(&noSchedulerFlag, "no-scheduler", false, "do not start the billing scheduler")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(billCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

// app is what both commands need: config, logger, store, service.
type app struct {
	cfg   *config.Configuration
	log   *logger.Logger
	store *sqlite.Store
	svc   *settlement.Service
}

func newApp() (*app, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if dbPathFlag != "" {
		cfg.Database.Path = dbPathFlag
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", cfg.Database.Path)
	}

	svc := settlement.NewService(store, settlement.Options{
		PrepaidLeadDays: cfg.Billing.PrepaidLeadDays,
		LockTimeout:     cfg.Billing.LockTimeout,
		MonthCounter:    pricing.MonthCounterFor(cfg.Billing.MonthCount),
	}, log)

	return &app{cfg: cfg, log: log, store: store, svc: svc}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warnw("closing database", "error", err)
	}
	_ = a.log.Sync()
}

// =============================================================================
// SERVE
// =============================================================================

func runServer(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	addr := a.cfg.Server.Address
	if addrFlag != "" {
		addr = addrFlag
	}

	handler := api.NewHandler(a.svc, a.log)
	router := api.NewRouter(handler, a.cfg.CORS.AllowedOrigins)

	scheduler := api.NewBillingScheduler(a.svc, a.log)
	scheduler.Interval = a.cfg.Scheduler.Interval
	scheduler.Workers = a.cfg.Scheduler.Workers
	scheduler.Enabled = a.cfg.Scheduler.Enabled && !noSchedulerFlag
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infow("server starting", "addr", addr, "database", a.cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}

	a.log.Info("server stopped")
	return nil
}
