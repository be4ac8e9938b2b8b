package app

import (
	"strconv"

	"integration-hub/internal/common/logging"
	"integration-hub/internal/locks"
	"integration-hub/internal/redis"
)

func (app *App) initializeRedis() error {
	if app.Config.RedisAddress == "" {
		app.Logger.Info("Redis: Not configured (distributed locks and fast-path budgets disabled)")
		return nil
	}

	// Convert config values
	redisDB, _ := strconv.Atoi(app.Config.RedisDB)
	redisPoolSize, _ := strconv.Atoi(app.Config.RedisPoolSize)

	redisConfig := &redis.Config{
		Address:  app.Config.RedisAddress,
		Password: app.Config.RedisPassword,
		DB:       redisDB,
		PoolSize: redisPoolSize,
	}

	redisClient, err := redis.NewClient(redisConfig)
	if err != nil {
		return err
	}

	app.RedisClient = redisClient
	app.Logger.Info("Redis: Connected", logging.Field{Key: "address", Value: app.Config.RedisAddress})
	return nil
}

// initializeLocks picks distributed locking when Redis is available and
// falls back to in-process locks for single-node deployments.
func (app *App) initializeLocks() error {
	if app.RedisClient != nil {
		manager, err := locks.NewRedsyncManager(app.RedisClient)
		if err != nil {
			return err
		}
		app.Locks = manager
		app.Logger.Info("Locks: Distributed (Redis)")
		return nil
	}

	app.Locks = locks.NewMemoryManager()
	app.Logger.Info("Locks: In-process")
	return nil
}
