package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/config"
	"integration-hub/internal/metrics"
)

// stateSweepInterval controls how often expired OAuth handshake states
// are purged from storage.
const stateSweepInterval = 10 * time.Minute

// Run is the main entry point for the application
func Run() error {
	// Load environment variables
	_ = godotenv.Load()

	// Set up CPU usage
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Initialize logging
	logging.InitGlobalLogger()
	defer logging.MustSync()

	logging.Info("Starting integration hub",
		logging.Field{Key: "cpus", Value: runtime.NumCPU()},
		logging.Field{Key: "version", Value: "1.0.0"},
	)

	// Load and validate configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logging.Error("Configuration validation failed", err)
		return err
	}

	// Register Prometheus collectors before any component can observe
	metrics.Register()

	// Initialize application
	app, err := New(cfg)
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}
	defer app.Cleanup()

	// Sweep expired handshake states in the background
	go app.sweepExpiredStates()

	// Start server
	srv, _ := app.RunServer()
	if err := srv.Start(); err != nil {
		logging.Error("Server failed to start", err)
		return err
	}
	logging.Info("Server started", logging.Field{Key: "port", Value: cfg.Port})

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logging.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new requests before draining the sync engine
	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("Server forced to shutdown", err)
		return err
	}

	if err := app.Shutdown(ctx); err != nil {
		logging.Warn("Error during app shutdown", logging.Field{Key: "error", Value: err})
	}

	logging.Info("Server exited")
	return nil
}

// sweepExpiredStates periodically deletes expired OAuth states so
// abandoned handshakes do not accumulate.
func (app *App) sweepExpiredStates() {
	ticker := time.NewTicker(stateSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-app.shutdownCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			purged, err := app.OAuthManager.PurgeExpiredStates(ctx)
			cancel()
			if err != nil {
				app.Logger.Warn("Failed to purge expired OAuth states",
					logging.Field{Key: "error", Value: err.Error()})
				continue
			}
			if purged > 0 {
				app.Logger.Info("Purged expired OAuth states",
					logging.Field{Key: "count", Value: purged})
			}
		}
	}
}
