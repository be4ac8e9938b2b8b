// Package config provides configuration management for the integration
// hub. It handles loading configuration from environment variables with
// sensible defaults and validates the configuration so the service
// starts safely.
//
// The package supports multiple database backends (SQLite and
// PostgreSQL), Redis for distributed coordination, per-provider OAuth
// client credentials, rate-limit budgets, and sync job tuning.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - BASE_URL: Public base URL used to build OAuth callback URLs
//
// Database Configuration:
//   - DATABASE_TYPE: "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./integration_hub.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD, REDIS_DB, REDIS_POOL_SIZE
//
// Security Configuration:
//   - JWT_SECRET: JWT signing secret (required, minimum 32 characters)
//   - TOKEN_ENCRYPTION_KEY: Key used to encrypt OAuth tokens at rest (required)
//
// OAuth Providers (one block per supported provider kind):
//   - OAUTH_<PROVIDER>_CLIENT_ID / OAUTH_<PROVIDER>_CLIENT_SECRET
//   - OAUTH_<PROVIDER>_AUTH_URL / OAUTH_<PROVIDER>_TOKEN_URL
//   - OAUTH_<PROVIDER>_API_URL / OAUTH_<PROVIDER>_REVOKE_URL
//     where <PROVIDER> is SHOPIFY, QUICKBOOKS, STRIPE or GOOGLE_SHEETS
//
// Sync / Rate Limiting:
//   - RATE_LIMIT_DEFAULT: Requests allowed per window (default: 1000)
//   - RATE_LIMIT_WINDOW: Window duration (default: 1h)
//   - SYNC_JOB_TIMEOUT: Wall-clock limit per sync job (default: 10m)
//   - SYNC_RETRY_ATTEMPTS: Transient-error retry cap (default: 3)
//   - TOKEN_REFRESH_SKEW: Refresh tokens expiring within this window (default: 5m)
//   - SYNC_SCHEDULE: Cron expression for scheduled incremental syncs
//     (default: "0 * * * *", empty disables scheduling)
//
// Event Publishing:
//   - AMQP_URL: RabbitMQ connection URL (empty disables event publishing)
//   - SYNC_EVENTS_EXCHANGE: Exchange for sync lifecycle events (default: sync.events)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderCredentials holds the OAuth client registration for one
// external provider.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	RevokeURL    string
	Scopes       string
}

// Config holds all configuration values for the integration hub.
// All fields correspond to environment variables that can be set to
// override the default values. The configuration is loaded with Load()
// and must be validated with Validate() before use.
type Config struct {
	// Application settings
	Port     string
	LogLevel string
	BaseURL  string

	// Database configuration
	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis configuration for distributed coordination
	RedisAddress  string
	RedisPassword string
	RedisDB       string
	RedisPoolSize string

	// Security configuration
	JWTSecret          string
	TokenEncryptionKey string

	// OAuth provider registrations keyed by provider name
	Providers map[string]ProviderCredentials

	// Rate limiting and sync tuning
	RateLimitDefault  int
	RateLimitWindow   time.Duration
	SyncJobTimeout    time.Duration
	SyncRetryAttempts int
	TokenRefreshSkew  time.Duration
	SyncSchedule      string

	// Event publishing
	AMQPUrl            string
	SyncEventsExchange string
}

// providerNames lists the provider kinds the platform can connect to.
// The key is the canonical provider name stored on integrations; the
// value is the environment variable block prefix.
var providerNames = map[string]string{
	"shopify":       "SHOPIFY",
	"quickbooks":    "QUICKBOOKS",
	"stripe":        "STRIPE",
	"google_sheets": "GOOGLE_SHEETS",
}

// Load creates a Config with values loaded from environment variables.
// If an environment variable is not set, the corresponding default is
// used. Load does not validate; call Validate() on the returned Config.
func Load() *Config {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		BaseURL:  getEnv("BASE_URL", "http://localhost:8080"),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./integration_hub.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "integration_hub"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		RateLimitDefault:  getIntEnv("RATE_LIMIT_DEFAULT", 1000),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Hour),
		SyncJobTimeout:    getDurationEnv("SYNC_JOB_TIMEOUT", 10*time.Minute),
		SyncRetryAttempts: getIntEnv("SYNC_RETRY_ATTEMPTS", 3),
		TokenRefreshSkew:  getDurationEnv("TOKEN_REFRESH_SKEW", 5*time.Minute),
		SyncSchedule:      getEnv("SYNC_SCHEDULE", "0 * * * *"),

		AMQPUrl:            getEnv("AMQP_URL", ""),
		SyncEventsExchange: getEnv("SYNC_EVENTS_EXCHANGE", "sync.events"),
	}

	cfg.Providers = make(map[string]ProviderCredentials, len(providerNames))
	for name, prefix := range providerNames {
		creds := ProviderCredentials{
			ClientID:     getEnv("OAUTH_"+prefix+"_CLIENT_ID", ""),
			ClientSecret: getEnv("OAUTH_"+prefix+"_CLIENT_SECRET", ""),
			AuthURL:      getEnv("OAUTH_"+prefix+"_AUTH_URL", ""),
			TokenURL:     getEnv("OAUTH_"+prefix+"_TOKEN_URL", ""),
			APIBaseURL:   getEnv("OAUTH_"+prefix+"_API_URL", ""),
			RevokeURL:    getEnv("OAUTH_"+prefix+"_REVOKE_URL", ""),
			Scopes:       getEnv("OAUTH_"+prefix+"_SCOPES", ""),
		}
		if creds.ClientID != "" {
			cfg.Providers[name] = creds
		}
	}

	return cfg
}

// getEnv retrieves an environment variable value or returns a default
// value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable value or returns
// the default on absence or parse failure.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv retrieves a duration environment variable value or
// returns the default on absence or parse failure.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate performs validation on the configuration to ensure all
// required fields are present and all values are valid. The service
// must call this after Load() and before starting.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long for security")
	}

	// Tokens are never stored in plaintext, so the key is mandatory
	if c.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY environment variable is required")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.DatabaseType {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}

	if c.DatabaseType == "postgres" || c.DatabaseType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	if c.RedisAddress != "" {
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if c.RateLimitDefault < 1 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT must be a positive number")
	}
	if c.RateLimitWindow < time.Second {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be at least one second")
	}
	if c.SyncJobTimeout < time.Second {
		return fmt.Errorf("SYNC_JOB_TIMEOUT must be at least one second")
	}
	if c.SyncRetryAttempts < 0 {
		return fmt.Errorf("SYNC_RETRY_ATTEMPTS must not be negative")
	}
	if c.TokenRefreshSkew < 0 {
		return fmt.Errorf("TOKEN_REFRESH_SKEW must not be negative")
	}

	if c.SyncSchedule != "" && len(strings.Fields(c.SyncSchedule)) != 5 {
		return fmt.Errorf("SYNC_SCHEDULE must be a standard 5-field cron expression")
	}

	return nil
}
