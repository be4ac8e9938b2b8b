package app

import (
	"context"

	"integration-hub/internal/audit"
	"integration-hub/internal/auth"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/config"
	"integration-hub/internal/crypto"
	"integration-hub/internal/events"
	"integration-hub/internal/locks"
	"integration-hub/internal/oauth"
	"integration-hub/internal/providers"
	"integration-hub/internal/ratelimit"
	"integration-hub/internal/redis"
	"integration-hub/internal/storage"
	"integration-hub/internal/syncengine"
)

// App holds all the application dependencies
type App struct {
	Config       *config.Config
	Storage      storage.Storage
	RedisClient  *redis.Client
	Locks        locks.Manager
	Encryptor    *crypto.TokenEncryptor
	Registry     *providers.Registry
	Audit        *audit.Recorder
	Auth         *auth.Auth
	OAuthManager *oauth.Manager
	Refresher    *oauth.Refresher
	Governor     *ratelimit.Governor
	Publisher    events.Publisher
	Engine       *syncengine.Engine
	Scheduler    *syncengine.Scheduler
	Logger       logging.Logger
	shutdownCh   chan struct{}
}

// New creates a new application instance with all dependencies
func New(cfg *config.Config) (*App, error) {
	app := &App{
		Config:     cfg,
		Logger:     logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"}),
		shutdownCh: make(chan struct{}),
	}

	// Initialize components in order of dependency
	if err := app.initializeStorage(); err != nil {
		return nil, err
	}

	if err := app.initializeRedis(); err != nil {
		// Redis is optional, just log the error
		app.Logger.Warn("Redis initialization failed, continuing without Redis",
			logging.Field{Key: "error", Value: err.Error()})
		app.RedisClient = nil
	}

	if err := app.initializeLocks(); err != nil {
		return nil, err
	}

	if err := app.initializeEncryption(); err != nil {
		return nil, err
	}

	if err := app.initializeProviders(); err != nil {
		return nil, err
	}

	app.initializeAudit()
	app.initializeAuth()

	if err := app.initializeOAuth(); err != nil {
		return nil, err
	}

	app.initializeRateLimiting()

	if err := app.initializeEvents(); err != nil {
		// Event publishing is optional, just log the error
		app.Logger.Warn("Event publisher initialization failed, continuing without events",
			logging.Field{Key: "error", Value: err.Error()})
		app.Publisher = events.NewNoopPublisher()
	}

	if err := app.initializeSync(); err != nil {
		return nil, err
	}

	return app, nil
}

// Shutdown stops the background workers in reverse dependency order.
// The HTTP server is shut down separately by the caller.
func (app *App) Shutdown(ctx context.Context) error {
	close(app.shutdownCh)

	if app.Scheduler != nil {
		app.Scheduler.Stop()
		app.Logger.Info("Sync scheduler stopped")
	}

	if app.Engine != nil {
		app.Engine.Stop()
		app.Logger.Info("Sync engine stopped")
	}

	return nil
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Publisher != nil {
		if err := app.Publisher.Close(); err != nil {
			app.Logger.Warn("Error closing event publisher", logging.Field{Key: "error", Value: err})
		}
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
	if app.Storage != nil {
		app.Storage.Close()
	}
}
