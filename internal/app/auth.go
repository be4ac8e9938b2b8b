package app

import (
	"integration-hub/internal/audit"
	"integration-hub/internal/auth"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/crypto"
	"integration-hub/internal/oauth"
	"integration-hub/internal/providers"
)

// initializeEncryption sets up the token encryptor. Tokens are never
// written to storage in plaintext, so the key is mandatory.
func (app *App) initializeEncryption() error {
	encryptor, err := crypto.NewTokenEncryptor(app.Config.TokenEncryptionKey)
	if err != nil {
		return err
	}

	app.Encryptor = encryptor
	app.Logger.Info("Token encryption enabled")
	return nil
}

func (app *App) initializeProviders() error {
	registry, err := providers.NewRegistry(app.Config, app.Logger)
	if err != nil {
		return err
	}

	app.Registry = registry
	app.Logger.Info("Providers registered",
		logging.Field{Key: "count", Value: len(app.Config.Providers)})
	return nil
}

func (app *App) initializeAudit() {
	app.Audit = audit.NewRecorder(app.Storage, app.Logger)
}

func (app *App) initializeAuth() {
	app.Auth = auth.New(app.Storage, app.Config.JWTSecret, app.Logger)
}

func (app *App) initializeOAuth() error {
	app.OAuthManager = oauth.NewManager(
		app.Storage,
		app.Registry,
		app.Encryptor,
		app.Audit,
		app.Config.BaseURL,
		app.Logger,
	)

	app.Refresher = oauth.NewRefresher(
		app.Storage,
		app.Registry,
		app.Encryptor,
		app.Locks,
		app.Audit,
		app.Config.TokenRefreshSkew,
		app.Logger,
	)

	return nil
}
