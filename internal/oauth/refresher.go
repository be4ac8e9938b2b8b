package oauth

import (
	"context"
	"fmt"
	"time"

	"integration-hub/internal/audit"
	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/crypto"
	"integration-hub/internal/locks"
	"integration-hub/internal/providers"
	"integration-hub/internal/storage"
)

// Refresher keeps access tokens fresh. EnsureFresh is safe to call
// from any number of workers: a per-integration advisory lock keeps
// redundant provider round trips down, and the token_version guard in
// storage makes the write itself safe even without the lock.
type Refresher struct {
	storage   storage.Storage
	registry  *providers.Registry
	encryptor *crypto.TokenEncryptor
	locks     locks.Manager
	audit     *audit.Recorder
	logger    logging.Logger
	skew      time.Duration
}

func NewRefresher(store storage.Storage, registry *providers.Registry, encryptor *crypto.TokenEncryptor, lockManager locks.Manager, recorder *audit.Recorder, skew time.Duration, logger logging.Logger) *Refresher {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &Refresher{
		storage:   store,
		registry:  registry,
		encryptor: encryptor,
		locks:     lockManager,
		audit:     recorder,
		logger:    logger,
		skew:      skew,
	}
}

// needsRefresh reports whether the token expires within the skew
// window. Tokens without an expiry never need refreshing.
func (r *Refresher) needsRefresh(integration *storage.Integration, now time.Time) bool {
	if integration.ExpiresAt == nil {
		return false
	}
	return !integration.ExpiresAt.After(now.Add(r.skew))
}

// EnsureFresh returns a plaintext access token for the integration,
// refreshing it with the provider first when it is expired or about to
// expire. Callers must treat the token as ephemeral and never store it.
func (r *Refresher) EnsureFresh(ctx context.Context, integrationID string) (string, error) {
	integration, err := r.storage.GetIntegration(integrationID)
	if err != nil {
		return "", err
	}
	if !integration.Active {
		return "", apperrors.InvalidStateError("integration is disconnected")
	}

	if !r.needsRefresh(integration, time.Now().UTC()) {
		return r.encryptor.Decrypt(integration.AccessToken)
	}

	lock, err := r.locks.AcquireRefreshLock(ctx, integrationID)
	if err != nil {
		// Another worker holds the refresh lock. Poll storage until it
		// publishes the refreshed token instead of racing the provider.
		return r.awaitRefresh(ctx, integrationID)
	}
	defer lock.Release(ctx)

	return r.refreshLocked(ctx, integrationID)
}

// refreshLocked performs a refresh while holding the advisory lock.
func (r *Refresher) refreshLocked(ctx context.Context, integrationID string) (string, error) {
	// Re-read under the lock: a worker that held it before us may have
	// already rotated the token.
	integration, err := r.storage.GetIntegration(integrationID)
	if err != nil {
		return "", err
	}
	if !integration.Active {
		return "", apperrors.InvalidStateError("integration is disconnected")
	}
	if !r.needsRefresh(integration, time.Now().UTC()) {
		return r.encryptor.Decrypt(integration.AccessToken)
	}

	refreshToken, err := r.encryptor.Decrypt(integration.RefreshToken)
	if err != nil {
		return "", apperrors.InternalError("failed to decrypt refresh token", err)
	}
	if refreshToken == "" {
		return "", r.markRefreshDead(ctx, integration, "no refresh token on record", nil)
	}

	provider, err := r.registry.Get(integration.Provider)
	if err != nil {
		return "", err
	}

	grant, err := provider.Refresh(ctx, refreshToken)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrTypeProviderPermanent) {
			return "", r.markRefreshDead(ctx, integration, "provider rejected the refresh token", err)
		}
		return "", apperrors.RefreshFailedError(
			fmt.Sprintf("refresh against %s failed", integration.Provider), err)
	}

	encryptedAccess, err := r.encryptor.Encrypt(grant.AccessToken)
	if err != nil {
		return "", apperrors.InternalError("failed to encrypt access token", err)
	}
	newRefresh := grant.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	encryptedRefresh, err := r.encryptor.Encrypt(newRefresh)
	if err != nil {
		return "", apperrors.InternalError("failed to encrypt refresh token", err)
	}

	_, err = r.storage.UpdateIntegrationTokens(integration.ID, integration.TokenVersion, encryptedAccess, encryptedRefresh, grant.ExpiresAt)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrTypeValidation) {
			// Version conflict: someone else won the write. Their token
			// is the current one, use it.
			current, readErr := r.storage.GetIntegration(integrationID)
			if readErr != nil {
				return "", readErr
			}
			return r.encryptor.Decrypt(current.AccessToken)
		}
		return "", err
	}

	r.audit.Record(ctx, audit.Entry{
		TenantID:     integration.TenantID,
		Action:       audit.ActionTokenRefreshed,
		ResourceType: "integration",
		ResourceID:   integration.ID,
		Details:      map[string]interface{}{"provider": integration.Provider},
	})

	r.logger.Debug("Access token refreshed",
		logging.Field{Key: "integration_id", Value: integration.ID},
		logging.Field{Key: "provider", Value: integration.Provider})

	return grant.AccessToken, nil
}

// awaitRefresh waits for the lock holder to finish, re-reading the
// integration until its token no longer needs refreshing.
func (r *Refresher) awaitRefresh(ctx context.Context, integrationID string) (string, error) {
	deadline := time.Now().Add(locks.RefreshLockTTL)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}

		integration, err := r.storage.GetIntegration(integrationID)
		if err != nil {
			return "", err
		}
		if !integration.Active {
			return "", apperrors.InvalidStateError("integration is disconnected")
		}
		if !r.needsRefresh(integration, time.Now().UTC()) {
			return r.encryptor.Decrypt(integration.AccessToken)
		}
		if time.Now().After(deadline) {
			return "", apperrors.RefreshFailedError("timed out waiting for concurrent token refresh", nil)
		}
	}
}

// markRefreshDead flags the integration as needing reconnection after
// a permanent refresh failure and returns the error to surface.
func (r *Refresher) markRefreshDead(ctx context.Context, integration *storage.Integration, reason string, cause error) error {
	if err := r.storage.SetIntegrationSyncState(integration.ID, storage.SyncStatusError, reason, nil); err != nil {
		r.logger.Error("Failed to record refresh failure state", err,
			logging.Field{Key: "integration_id", Value: integration.ID})
	}

	r.audit.Record(ctx, audit.Entry{
		TenantID:     integration.TenantID,
		Action:       audit.ActionTokenRefreshFailed,
		ResourceType: "integration",
		ResourceID:   integration.ID,
		Details: map[string]interface{}{
			"provider": integration.Provider,
			"reason":   reason,
		},
	})

	r.logger.Warn("Integration requires reconnection",
		logging.Field{Key: "integration_id", Value: integration.ID},
		logging.Field{Key: "provider", Value: integration.Provider},
		logging.Field{Key: "reason", Value: reason})

	return apperrors.RefreshFailedError(reason, cause)
}
