// Package factory constructs the configured storage adapter. It lives
// apart from the storage package so adapters can import the shared
// interface without a cycle.
package factory

import (
	"fmt"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/config"
	"integration-hub/internal/storage"
	"integration-hub/internal/storage/postgres"
	"integration-hub/internal/storage/sqlite"
)

// NewStorage creates a storage adapter based on configuration.
func NewStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.DatabaseType {
	case "sqlite":
		return sqlite.NewAdapter(&sqlite.Config{
			DatabasePath: cfg.DatabasePath,
		})

	case "postgres":
		return postgres.NewAdapter(&postgres.Config{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDB,
			Username: cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			SSLMode:  cfg.PostgresSSLMode,
		})

	default:
		return nil, apperrors.ConfigError(fmt.Sprintf("unsupported database type: %s", cfg.DatabaseType))
	}
}
