package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integration-hub/internal/audit"
	"integration-hub/internal/auth"
	"integration-hub/internal/config"
	"integration-hub/internal/crypto"
	"integration-hub/internal/locks"
	"integration-hub/internal/oauth"
	"integration-hub/internal/providers"
	"integration-hub/internal/providers/providertest"
	"integration-hub/internal/ratelimit"
	"integration-hub/internal/storage"
	"integration-hub/internal/storage/sqlite"
	"integration-hub/internal/syncengine"
)

type apiFixture struct {
	router  *mux.Router
	storage storage.Storage
	fake    *providertest.Fake
	token   string
}

func setupAPI(t *testing.T) *apiFixture {
	tmpfile, err := os.CreateTemp("", "integration-hub-api-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := sqlite.NewAdapter(&sqlite.Config{DatabasePath: tmpfile.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		BaseURL:   "http://localhost:8080",
		JWTSecret: "test-secret-key-with-enough-length!",
	}

	encryptor, err := crypto.NewTokenEncryptor("test-key-material")
	require.NoError(t, err)

	registry, err := providers.NewRegistry(&config.Config{}, nil)
	require.NoError(t, err)
	fake := providertest.New("shopify")
	registry.Register(fake)

	lockManager := locks.NewMemoryManager()
	t.Cleanup(func() { lockManager.Close() })

	recorder := audit.NewRecorder(store, nil)
	authService := auth.New(store, cfg.JWTSecret, nil)
	oauthManager := oauth.NewManager(store, registry, encryptor, recorder, cfg.BaseURL, nil)
	refresher := oauth.NewRefresher(store, registry, encryptor, lockManager, recorder, 5*time.Minute, nil)
	governor := ratelimit.NewGovernor(store, 1000, time.Hour, nil)
	engine := syncengine.NewEngine(store, registry, refresher, governor, lockManager, nil, recorder, nil, nil,
		syncengine.Options{RetryBaseDelay: time.Millisecond})
	t.Cleanup(engine.Stop)

	h := New(store, cfg, authService, oauthManager, engine, recorder, nil)

	router := mux.NewRouter()
	router.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/auth/login", h.HandleLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/oauth/callback", h.HandleOAuthCallback).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authService.RequireAuth)
	api.HandleFunc("/integrations", h.HandleListIntegrations).Methods(http.MethodGet)
	api.HandleFunc("/integrations/{provider}/connect", h.HandleConnect).Methods(http.MethodPost)
	api.HandleFunc("/integrations/{id}", h.HandleGetIntegration).Methods(http.MethodGet)
	api.HandleFunc("/integrations/{id}", h.HandleDisconnect).Methods(http.MethodDelete)
	api.HandleFunc("/integrations/{id}/sync", h.HandleTriggerSync).Methods(http.MethodPost)
	api.HandleFunc("/integrations/{id}/sync", h.HandleListSyncJobs).Methods(http.MethodGet)
	api.HandleFunc("/integrations/{id}/sync/{job_id}", h.HandleGetSyncJob).Methods(http.MethodGet)
	api.HandleFunc("/integrations/{id}/sync/{job_id}/cancel", h.HandleCancelSync).Methods(http.MethodPost)
	api.HandleFunc("/audit", h.HandleListAudit).Methods(http.MethodGet)

	// Seed the tenant and login user.
	now := time.Now().UTC()
	require.NoError(t, store.CreateTenant(&storage.Tenant{
		ID:        "tenant-1",
		Name:      "Acme",
		Subdomain: "acme",
		Active:    true,
		CreatedAt: now,
	}))
	hash, err := auth.HashPassword("correct-horse")
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(&storage.User{
		ID:           "user-1",
		TenantID:     "tenant-1",
		Email:        "owner@acme.test",
		PasswordHash: hash,
		CreatedAt:    now,
	}))

	f := &apiFixture{router: router, storage: store, fake: fake}
	f.token = f.login(t, "owner@acme.test", "correct-horse")
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func (f *apiFixture) login(t *testing.T, email, password string) string {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": email, "password": password,
	}, false)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	return resp["token"]
}

// connect runs the full handshake and returns the integration ID.
func (f *apiFixture) connect(t *testing.T) string {
	t.Helper()

	recorder := f.do(t, http.MethodPost, "/api/integrations/shopify/connect", nil, true)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))

	authURL, err := url.Parse(resp["authorization_url"])
	require.NoError(t, err)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	callback := f.do(t, http.MethodGet, "/api/oauth/callback?state="+state+"&code=auth-code", nil, false)
	require.Equal(t, http.StatusOK, callback.Code, callback.Body.String())

	var connected map[string]string
	require.NoError(t, json.Unmarshal(callback.Body.Bytes(), &connected))
	require.Equal(t, "connected", connected["status"])
	return connected["integration_id"]
}

func TestHealthEndpoint(t *testing.T) {
	f := setupAPI(t)
	recorder := f.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestAuthRequired(t *testing.T) {
	f := setupAPI(t)
	recorder := f.do(t, http.MethodGet, "/api/integrations", nil, false)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := setupAPI(t)
	recorder := f.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "owner@acme.test", "password": "wrong",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestConnectFlow(t *testing.T) {
	f := setupAPI(t)
	integrationID := f.connect(t)

	recorder := f.do(t, http.MethodGet, "/api/integrations/"+integrationID, nil, true)
	require.Equal(t, http.StatusOK, recorder.Code)

	var integration storage.Integration
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &integration))
	assert.Equal(t, "shopify", integration.Provider)
	assert.True(t, integration.Active)

	// Encrypted tokens must never appear in API responses.
	assert.NotContains(t, recorder.Body.String(), "access")

	list := f.do(t, http.MethodGet, "/api/integrations", nil, true)
	require.Equal(t, http.StatusOK, list.Code)
	var listResp struct {
		Integrations []*storage.Integration `json:"integrations"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &listResp))
	assert.Len(t, listResp.Integrations, 1)
}

func TestCallbackRejectsReplayedState(t *testing.T) {
	f := setupAPI(t)

	recorder := f.do(t, http.MethodPost, "/api/integrations/shopify/connect", nil, true)
	require.Equal(t, http.StatusOK, recorder.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	authURL, err := url.Parse(resp["authorization_url"])
	require.NoError(t, err)
	state := authURL.Query().Get("state")

	first := f.do(t, http.MethodGet, "/api/oauth/callback?state="+state+"&code=auth-code", nil, false)
	assert.Equal(t, http.StatusOK, first.Code)

	replay := f.do(t, http.MethodGet, "/api/oauth/callback?state="+state+"&code=auth-code", nil, false)
	assert.Equal(t, http.StatusBadRequest, replay.Code)
}

func TestCallbackUnknownProvider(t *testing.T) {
	f := setupAPI(t)
	recorder := f.do(t, http.MethodPost, "/api/integrations/unknown/connect", nil, true)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestSyncLifecycleOverAPI(t *testing.T) {
	f := setupAPI(t)
	integrationID := f.connect(t)

	f.fake.Pages = []*providers.Page{
		{Records: []map[string]interface{}{{"id": "1"}, {"id": "2"}}},
	}

	trigger := f.do(t, http.MethodPost, "/api/integrations/"+integrationID+"/sync", map[string]string{"kind": "full"}, true)
	require.Equal(t, http.StatusAccepted, trigger.Code, trigger.Body.String())
	var triggered map[string]string
	require.NoError(t, json.Unmarshal(trigger.Body.Bytes(), &triggered))
	jobID := triggered["job_id"]
	require.NotEmpty(t, jobID)

	var job storage.SyncJob
	require.Eventually(t, func() bool {
		status := f.do(t, http.MethodGet, "/api/integrations/"+integrationID+"/sync/"+jobID, nil, true)
		if status.Code != http.StatusOK {
			return false
		}
		require.NoError(t, json.Unmarshal(status.Body.Bytes(), &job))
		return storage.IsTerminalJobStatus(job.Status)
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, storage.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.RecordsFetched)

	history := f.do(t, http.MethodGet, "/api/integrations/"+integrationID+"/sync", nil, true)
	require.Equal(t, http.StatusOK, history.Code)
	var historyResp struct {
		Jobs []*storage.SyncJob `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(history.Body.Bytes(), &historyResp))
	assert.Len(t, historyResp.Jobs, 1)

	// Cancelling a finished job is rejected.
	cancel := f.do(t, http.MethodPost, "/api/integrations/"+integrationID+"/sync/"+jobID+"/cancel", nil, true)
	assert.Equal(t, http.StatusBadRequest, cancel.Code)
}

func TestTriggerSyncConflict(t *testing.T) {
	f := setupAPI(t)
	integrationID := f.connect(t)

	release := make(chan struct{})
	defer close(release)
	f.fake.FetchFunc = func(ctx context.Context, accessToken, cursor string, pageSize int) (*providers.Page, error) {
		select {
		case <-ctx.Done():
			return &providers.Page{}, nil
		case <-release:
			return &providers.Page{}, nil
		}
	}

	first := f.do(t, http.MethodPost, "/api/integrations/"+integrationID+"/sync", nil, true)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := f.do(t, http.MethodPost, "/api/integrations/"+integrationID+"/sync", nil, true)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestDisconnectOverAPI(t *testing.T) {
	f := setupAPI(t)
	integrationID := f.connect(t)

	recorder := f.do(t, http.MethodDelete, "/api/integrations/"+integrationID, nil, true)
	require.Equal(t, http.StatusOK, recorder.Code)

	get := f.do(t, http.MethodGet, "/api/integrations/"+integrationID, nil, true)
	require.Equal(t, http.StatusOK, get.Code)
	var integration storage.Integration
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &integration))
	assert.False(t, integration.Active)

	// Syncing a disconnected integration is rejected.
	trigger := f.do(t, http.MethodPost, "/api/integrations/"+integrationID+"/sync", nil, true)
	assert.Equal(t, http.StatusBadRequest, trigger.Code)
}

func TestAuditTrailOverAPI(t *testing.T) {
	f := setupAPI(t)
	f.connect(t)

	recorder := f.do(t, http.MethodGet, "/api/audit", nil, true)
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp struct {
		Entries []*storage.AuditLogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Entries)

	actions := make([]string, 0, len(resp.Entries))
	for _, entry := range resp.Entries {
		actions = append(actions, entry.Action)
	}
	assert.Contains(t, actions, audit.ActionUserLogin)
	assert.Contains(t, actions, audit.ActionIntegrationConnected)
}
