// Package handlers implements the HTTP API surface: login,
// integration connect/callback/disconnect, sync trigger/status/cancel,
// and the tenant audit trail.
package handlers

import (
	"integration-hub/internal/audit"
	"integration-hub/internal/auth"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/config"
	"integration-hub/internal/oauth"
	"integration-hub/internal/storage"
	"integration-hub/internal/syncengine"
)

type Handlers struct {
	storage      storage.Storage
	config       *config.Config
	auth         *auth.Auth
	oauthManager *oauth.Manager
	engine       *syncengine.Engine
	audit        *audit.Recorder
	logger       logging.Logger
}

func New(store storage.Storage, cfg *config.Config, authService *auth.Auth, oauthManager *oauth.Manager, engine *syncengine.Engine, recorder *audit.Recorder, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		storage:      store,
		config:       cfg,
		auth:         authService,
		oauthManager: oauthManager,
		engine:       engine,
		audit:        recorder,
		logger:       logger,
	}
}
