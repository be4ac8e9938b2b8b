package oauth

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integration-hub/internal/audit"
	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/config"
	"integration-hub/internal/crypto"
	"integration-hub/internal/providers"
	"integration-hub/internal/providers/providertest"
	"integration-hub/internal/storage"
	"integration-hub/internal/storage/sqlite"
)

type managerFixture struct {
	manager   *Manager
	storage   storage.Storage
	registry  *providers.Registry
	encryptor *crypto.TokenEncryptor
	fake      *providertest.Fake
}

func setupManager(t *testing.T) *managerFixture {
	tmpfile, err := os.CreateTemp("", "integration-hub-oauth-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := sqlite.NewAdapter(&sqlite.Config{DatabasePath: tmpfile.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	encryptor, err := crypto.NewTokenEncryptor("test-key-material")
	require.NoError(t, err)

	registry, err := providers.NewRegistry(&config.Config{}, nil)
	require.NoError(t, err)

	fake := providertest.New("shopify")
	registry.Register(fake)

	recorder := audit.NewRecorder(store, nil)
	manager := NewManager(store, registry, encryptor, recorder, "http://localhost:8080", nil)

	return &managerFixture{
		manager:   manager,
		storage:   store,
		registry:  registry,
		encryptor: encryptor,
		fake:      fake,
	}
}

func TestBeginHandshake(t *testing.T) {
	f := setupManager(t)

	authURL, err := f.manager.BeginHandshake(context.Background(), "tenant-1", "user-1", "shopify", "/settings")
	require.NoError(t, err)

	assert.Contains(t, authURL, "https://shopify.example/authorize")
	assert.Contains(t, authURL, "redirect_uri=http://localhost:8080/api/oauth/callback")

	// The state token embedded in the URL must be stored and pending.
	idx := strings.Index(authURL, "state=")
	require.NotEqual(t, -1, idx)
	stateToken := authURL[idx+len("state="):]
	stateToken = strings.Split(stateToken, "&")[0]

	state, err := f.storage.GetOAuthState(stateToken)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", state.TenantID)
	assert.Equal(t, "user-1", state.UserID)
	assert.Equal(t, "/settings", state.RedirectAfter)
	assert.False(t, state.Consumed)
	assert.True(t, state.ExpiresAt.After(time.Now().UTC()))
}

func TestBeginHandshakeUnknownProvider(t *testing.T) {
	f := setupManager(t)

	_, err := f.manager.BeginHandshake(context.Background(), "tenant-1", "user-1", "nope", "")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
}

func beginAndExtractState(t *testing.T, f *managerFixture) string {
	t.Helper()
	authURL, err := f.manager.BeginHandshake(context.Background(), "tenant-1", "user-1", "shopify", "/done")
	require.NoError(t, err)
	idx := strings.Index(authURL, "state=")
	require.NotEqual(t, -1, idx)
	return strings.Split(authURL[idx+len("state="):], "&")[0]
}

func TestHandleCallback(t *testing.T) {
	f := setupManager(t)
	stateToken := beginAndExtractState(t, f)

	integration, redirect, err := f.manager.HandleCallback(context.Background(), stateToken, "auth-code", "", CallbackMeta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "/done", redirect)
	assert.Equal(t, "tenant-1", integration.TenantID)
	assert.Equal(t, "shopify", integration.Provider)
	assert.Equal(t, "account-1", integration.ExternalAccountID)
	assert.Equal(t, int64(1), integration.TokenVersion)
	assert.True(t, integration.Active)

	// Tokens must be stored encrypted, not in the clear.
	assert.NotEqual(t, "access-auth-code", integration.AccessToken)
	plaintext, err := f.encryptor.Decrypt(integration.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-auth-code", plaintext)

	entries, err := f.storage.ListAuditLog("tenant-1", 10, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, audit.ActionIntegrationConnected)
}

func TestHandleCallbackReplay(t *testing.T) {
	f := setupManager(t)
	stateToken := beginAndExtractState(t, f)

	_, _, err := f.manager.HandleCallback(context.Background(), stateToken, "auth-code", "", CallbackMeta{})
	require.NoError(t, err)

	// Replaying the same state token must fail and must not exchange
	// the code a second time.
	_, _, err = f.manager.HandleCallback(context.Background(), stateToken, "auth-code", "", CallbackMeta{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeInvalidState))
	assert.Equal(t, 1, f.fake.ExchangeCalls())
}

func TestHandleCallbackUnknownState(t *testing.T) {
	f := setupManager(t)

	_, _, err := f.manager.HandleCallback(context.Background(), "never-issued", "code", "", CallbackMeta{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeInvalidState))
}

func TestHandleCallbackProviderDenied(t *testing.T) {
	f := setupManager(t)
	stateToken := beginAndExtractState(t, f)

	_, redirect, err := f.manager.HandleCallback(context.Background(), stateToken, "", "access_denied", CallbackMeta{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTokenExchange))
	assert.Equal(t, "/done", redirect)
	assert.Equal(t, 0, f.fake.ExchangeCalls())

	// The state is consumed even on denial, so it cannot be retried.
	_, _, err = f.manager.HandleCallback(context.Background(), stateToken, "code", "", CallbackMeta{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeInvalidState))

	entries, err := f.storage.ListAuditLog("tenant-1", 10, 0)
	require.NoError(t, err)
	var sawFailure bool
	for _, e := range entries {
		if e.Action == audit.ActionHandshakeFailed {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	f := setupManager(t)
	stateToken := beginAndExtractState(t, f)
	f.fake.ExchangeErr = apperrors.TokenExchangeError("provider rejected the code", nil)

	_, redirect, err := f.manager.HandleCallback(context.Background(), stateToken, "bad-code", "", CallbackMeta{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTokenExchange))
	assert.Equal(t, "/done", redirect)
}

func TestHandleCallbackReconnect(t *testing.T) {
	f := setupManager(t)

	first := beginAndExtractState(t, f)
	original, _, err := f.manager.HandleCallback(context.Background(), first, "code-1", "", CallbackMeta{})
	require.NoError(t, err)

	// Same fake account reconnecting must update in place, not create
	// a second integration.
	second := beginAndExtractState(t, f)
	reconnected, _, err := f.manager.HandleCallback(context.Background(), second, "code-2", "", CallbackMeta{})
	require.NoError(t, err)

	assert.Equal(t, original.ID, reconnected.ID)
	assert.Equal(t, int64(2), reconnected.TokenVersion)

	list, err := f.storage.ListIntegrations("tenant-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	entries, err := f.storage.ListAuditLog("tenant-1", 20, 0)
	require.NoError(t, err)
	var sawReconnect bool
	for _, e := range entries {
		if e.Action == audit.ActionIntegrationReconnected {
			sawReconnect = true
		}
	}
	assert.True(t, sawReconnect)
}

func TestDisconnect(t *testing.T) {
	f := setupManager(t)
	stateToken := beginAndExtractState(t, f)

	integration, _, err := f.manager.HandleCallback(context.Background(), stateToken, "code", "", CallbackMeta{})
	require.NoError(t, err)

	err = f.manager.Disconnect(context.Background(), "tenant-1", "user-1", integration.ID, CallbackMeta{})
	require.NoError(t, err)

	stored, err := f.storage.GetIntegration(integration.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	// Revocation happened with the decrypted access token.
	assert.Equal(t, "access-code", f.fake.RevokedToken())
}

func TestDisconnectWrongTenant(t *testing.T) {
	f := setupManager(t)
	stateToken := beginAndExtractState(t, f)

	integration, _, err := f.manager.HandleCallback(context.Background(), stateToken, "code", "", CallbackMeta{})
	require.NoError(t, err)

	err = f.manager.Disconnect(context.Background(), "tenant-2", "user-9", integration.ID, CallbackMeta{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))

	stored, err := f.storage.GetIntegration(integration.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
}

func TestDisconnectSurvivesRevokeFailure(t *testing.T) {
	f := setupManager(t)
	stateToken := beginAndExtractState(t, f)

	integration, _, err := f.manager.HandleCallback(context.Background(), stateToken, "code", "", CallbackMeta{})
	require.NoError(t, err)

	f.fake.RevokeErr = apperrors.ProviderTransientError("revocation endpoint down", nil)

	err = f.manager.Disconnect(context.Background(), "tenant-1", "user-1", integration.ID, CallbackMeta{})
	require.NoError(t, err)

	stored, err := f.storage.GetIntegration(integration.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestPurgeExpiredStates(t *testing.T) {
	f := setupManager(t)

	now := time.Now().UTC()
	require.NoError(t, f.storage.CreateOAuthState(&storage.OAuthState{
		StateToken: "stale",
		TenantID:   "tenant-1",
		Provider:   "shopify",
		CreatedAt:  now.Add(-time.Hour),
		ExpiresAt:  now.Add(-30 * time.Minute),
	}))
	beginAndExtractState(t, f)

	deleted, err := f.manager.PurgeExpiredStates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
