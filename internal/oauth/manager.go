// Package oauth implements the three-legged OAuth handshake and the
// token refresh path. Tokens are encrypted before they reach storage
// and decrypted only at the point of use; nothing outside this package
// sees plaintext credentials.
package oauth

import (
	"context"
	"fmt"
	"time"

	"integration-hub/internal/audit"
	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/common/utils"
	"integration-hub/internal/crypto"
	"integration-hub/internal/providers"
	"integration-hub/internal/storage"
)

// DefaultStateTTL bounds how long a started handshake stays valid.
const DefaultStateTTL = 10 * time.Minute

// CallbackMeta carries request metadata into the audit trail.
type CallbackMeta struct {
	IPAddress string
	UserAgent string
}

// Manager drives the authorization-code flow: it hands out consent
// URLs, validates callbacks against single-use state tokens, and turns
// successful code exchanges into stored integrations.
type Manager struct {
	storage   storage.Storage
	registry  *providers.Registry
	encryptor *crypto.TokenEncryptor
	audit     *audit.Recorder
	logger    logging.Logger
	baseURL   string
	stateTTL  time.Duration
}

func NewManager(store storage.Storage, registry *providers.Registry, encryptor *crypto.TokenEncryptor, recorder *audit.Recorder, baseURL string, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Manager{
		storage:   store,
		registry:  registry,
		encryptor: encryptor,
		audit:     recorder,
		logger:    logger,
		baseURL:   baseURL,
		stateTTL:  DefaultStateTTL,
	}
}

// RedirectURI returns the callback endpoint registered with providers.
func (m *Manager) RedirectURI() string {
	return m.baseURL + "/api/oauth/callback"
}

// BeginHandshake starts a handshake for the tenant and returns the
// provider consent URL to redirect the user to. Multiple concurrent
// handshakes per tenant are allowed; each gets its own state token and
// earlier unconsumed tokens stay valid until they expire or are used.
func (m *Manager) BeginHandshake(ctx context.Context, tenantID, userID, providerName, redirectAfter string) (string, error) {
	provider, err := m.registry.Get(providerName)
	if err != nil {
		return "", err
	}

	stateToken, err := utils.GenerateStateToken()
	if err != nil {
		return "", apperrors.InternalError("failed to generate state token", err)
	}

	now := time.Now().UTC()
	state := &storage.OAuthState{
		StateToken:    stateToken,
		TenantID:      tenantID,
		UserID:        userID,
		Provider:      providerName,
		RedirectAfter: redirectAfter,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.stateTTL),
	}
	if err := m.storage.CreateOAuthState(state); err != nil {
		return "", err
	}

	m.audit.Record(ctx, audit.Entry{
		TenantID:     tenantID,
		ActorID:      userID,
		Action:       audit.ActionHandshakeStarted,
		ResourceType: "provider",
		ResourceID:   providerName,
	})

	m.logger.Info("OAuth handshake started",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "provider", Value: providerName})

	return provider.AuthorizationURL(stateToken, m.RedirectURI()), nil
}

// HandleCallback completes a handshake. The state token is consumed
// atomically before anything else happens, so a replayed callback can
// never produce a second integration. Returns the stored integration
// and the redirect target captured when the handshake began.
func (m *Manager) HandleCallback(ctx context.Context, stateToken, code, providerErr string, meta CallbackMeta) (*storage.Integration, string, error) {
	state, err := m.storage.ConsumeOAuthState(stateToken, time.Now().UTC())
	if err != nil {
		m.logger.Warn("OAuth callback rejected",
			logging.Field{Key: "error", Value: err},
			logging.Field{Key: "ip", Value: meta.IPAddress})
		return nil, "", err
	}

	// The user denied consent or the provider aborted the handshake.
	if providerErr != "" {
		m.audit.Record(ctx, audit.Entry{
			TenantID:     state.TenantID,
			ActorID:      state.UserID,
			Action:       audit.ActionHandshakeFailed,
			ResourceType: "provider",
			ResourceID:   state.Provider,
			IPAddress:    meta.IPAddress,
			UserAgent:    meta.UserAgent,
			Details:      map[string]interface{}{"provider_error": providerErr},
		})
		return nil, state.RedirectAfter, apperrors.TokenExchangeError(
			fmt.Sprintf("provider %s reported: %s", state.Provider, providerErr), nil)
	}

	provider, err := m.registry.Get(state.Provider)
	if err != nil {
		return nil, state.RedirectAfter, err
	}

	grant, err := provider.ExchangeCode(ctx, code, m.RedirectURI())
	if err != nil {
		m.audit.Record(ctx, audit.Entry{
			TenantID:     state.TenantID,
			ActorID:      state.UserID,
			Action:       audit.ActionHandshakeFailed,
			ResourceType: "provider",
			ResourceID:   state.Provider,
			IPAddress:    meta.IPAddress,
			UserAgent:    meta.UserAgent,
			Details:      map[string]interface{}{"stage": "code_exchange"},
		})
		return nil, state.RedirectAfter, err
	}

	integration, err := m.storeGrant(state, grant)
	if err != nil {
		return nil, state.RedirectAfter, err
	}

	action := audit.ActionIntegrationConnected
	if integration.TokenVersion > 1 {
		action = audit.ActionIntegrationReconnected
	}
	m.audit.Record(ctx, audit.Entry{
		TenantID:     state.TenantID,
		ActorID:      state.UserID,
		Action:       action,
		ResourceType: "integration",
		ResourceID:   integration.ID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		Details: map[string]interface{}{
			"provider":         state.Provider,
			"external_account": integration.ExternalAccountID,
		},
	})

	m.logger.Info("Integration connected",
		logging.Field{Key: "tenant_id", Value: state.TenantID},
		logging.Field{Key: "provider", Value: state.Provider},
		logging.Field{Key: "integration_id", Value: integration.ID})

	return integration, state.RedirectAfter, nil
}

func (m *Manager) storeGrant(state *storage.OAuthState, grant *providers.TokenGrant) (*storage.Integration, error) {
	encryptedAccess, err := m.encryptor.Encrypt(grant.AccessToken)
	if err != nil {
		return nil, apperrors.InternalError("failed to encrypt access token", err)
	}
	encryptedRefresh, err := m.encryptor.Encrypt(grant.RefreshToken)
	if err != nil {
		return nil, apperrors.InternalError("failed to encrypt refresh token", err)
	}

	// Providers that expose no account identity get a generated one,
	// which makes every connect a distinct integration.
	accountID := grant.AccountID
	if accountID == "" {
		accountID = utils.NewID()
	}

	now := time.Now().UTC()
	return m.storage.UpsertIntegration(&storage.Integration{
		ID:                  utils.NewID(),
		TenantID:            state.TenantID,
		Provider:            state.Provider,
		ExternalAccountID:   accountID,
		ExternalAccountName: grant.AccountName,
		AccessToken:         encryptedAccess,
		RefreshToken:        encryptedRefresh,
		TokenType:           grant.TokenType,
		Scopes:              grant.Scopes,
		ExpiresAt:           grant.ExpiresAt,
		SyncStatus:          storage.SyncStatusIdle,
		Active:              true,
		ConnectedAt:         now,
		UpdatedAt:           now,
	})
}

// Disconnect deactivates an integration and makes a best-effort token
// revocation with the provider. Sync history and audit entries remain.
func (m *Manager) Disconnect(ctx context.Context, tenantID, actorID, integrationID string, meta CallbackMeta) error {
	integration, err := m.storage.GetIntegration(integrationID)
	if err != nil {
		return err
	}
	if integration.TenantID != tenantID {
		return apperrors.NotFoundError("integration")
	}

	if provider, err := m.registry.Get(integration.Provider); err == nil {
		if accessToken, decErr := m.encryptor.Decrypt(integration.AccessToken); decErr == nil {
			if revokeErr := provider.Revoke(ctx, accessToken); revokeErr != nil {
				m.logger.Warn("Token revocation failed during disconnect",
					logging.Field{Key: "integration_id", Value: integrationID},
					logging.Field{Key: "error", Value: revokeErr})
			}
		}
	}

	if err := m.storage.DeactivateIntegration(integrationID); err != nil {
		return err
	}

	m.audit.Record(ctx, audit.Entry{
		TenantID:     tenantID,
		ActorID:      actorID,
		Action:       audit.ActionIntegrationDisconnected,
		ResourceType: "integration",
		ResourceID:   integrationID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		Details:      map[string]interface{}{"provider": integration.Provider},
	})

	return nil
}

// PurgeExpiredStates garbage-collects stale handshake states.
func (m *Manager) PurgeExpiredStates(ctx context.Context) (int64, error) {
	deleted, err := m.storage.DeleteExpiredOAuthStates(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Debug("Purged expired OAuth states",
			logging.Field{Key: "count", Value: deleted})
	}
	return deleted, nil
}
