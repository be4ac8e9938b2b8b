package app

import (
	"integration-hub/internal/common/logging"
	"integration-hub/internal/events"
	"integration-hub/internal/ratelimit"
	"integration-hub/internal/syncengine"
)

func (app *App) initializeRateLimiting() {
	opts := []ratelimit.Option{}
	if app.RedisClient != nil {
		opts = append(opts, ratelimit.WithRedis(app.RedisClient))
	}

	app.Governor = ratelimit.NewGovernor(
		app.Storage,
		app.Config.RateLimitDefault,
		app.Config.RateLimitWindow,
		app.Logger,
		opts...,
	)

	app.Logger.Info("Rate limiting: Enabled",
		logging.Field{Key: "limit", Value: app.Config.RateLimitDefault},
		logging.Field{Key: "window", Value: app.Config.RateLimitWindow.String()},
	)
}

func (app *App) initializeEvents() error {
	if app.Config.AMQPUrl == "" {
		app.Logger.Info("Event publishing: Disabled (no AMQP URL configured)")
		app.Publisher = events.NewNoopPublisher()
		return nil
	}

	publisher, err := events.NewAMQPPublisher(app.Config.AMQPUrl, app.Config.SyncEventsExchange, app.Logger)
	if err != nil {
		return err
	}

	app.Publisher = publisher
	app.Logger.Info("Event publishing: Enabled",
		logging.Field{Key: "exchange", Value: app.Config.SyncEventsExchange})
	return nil
}

func (app *App) initializeSync() error {
	app.Engine = syncengine.NewEngine(
		app.Storage,
		app.Registry,
		app.Refresher,
		app.Governor,
		app.Locks,
		app.RedisClient,
		app.Audit,
		app.Publisher,
		app.Logger,
		syncengine.Options{
			JobTimeout:    app.Config.SyncJobTimeout,
			RetryAttempts: app.Config.SyncRetryAttempts,
		},
	)

	if err := app.Engine.Start(); err != nil {
		return err
	}

	app.Scheduler = syncengine.NewScheduler(app.Engine, app.Storage, app.Config.SyncSchedule, app.Logger)
	return app.Scheduler.Start()
}
