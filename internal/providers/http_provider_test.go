package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/config"
)

func testCreds(authURL, tokenURL, apiURL, revokeURL string) config.ProviderCredentials {
	return config.ProviderCredentials{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      authURL,
		TokenURL:     tokenURL,
		APIBaseURL:   apiURL,
		RevokeURL:    revokeURL,
		Scopes:       "read_orders read_products",
	}
}

func newTestProvider(t *testing.T, creds config.ProviderCredentials) *HTTPProvider {
	provider, err := NewHTTPProvider("shopify", creds, logging.GetGlobalLogger())
	require.NoError(t, err)
	return provider
}

func TestNewHTTPProviderValidation(t *testing.T) {
	_, err := NewHTTPProvider("shopify", config.ProviderCredentials{}, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))

	_, err = NewHTTPProvider("shopify", config.ProviderCredentials{
		ClientID:     "id",
		ClientSecret: "secret",
	}, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
}

func TestAuthorizationURL(t *testing.T) {
	provider := newTestProvider(t, testCreds("https://provider.example/oauth/authorize", "https://provider.example/oauth/token", "", ""))

	raw := provider.AuthorizationURL("state-token-123", "https://hub.example/callback")
	parsed, err := url.Parse(raw)
	require.NoError(t, err)

	query := parsed.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "client-id", query.Get("client_id"))
	assert.Equal(t, "state-token-123", query.Get("state"))
	assert.Equal(t, "https://hub.example/callback", query.Get("redirect_uri"))
	assert.Equal(t, "read_orders read_products", query.Get("scope"))
}

func TestAuthorizationURLPreservesExistingQuery(t *testing.T) {
	provider := newTestProvider(t, testCreds("https://provider.example/authorize?tenant=common", "https://provider.example/token", "", ""))

	raw := provider.AuthorizationURL("state", "https://hub.example/callback")
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "common", parsed.Query().Get("tenant"))
	assert.Equal(t, "state", parsed.Query().Get("state"))
}

func TestExchangeCode(t *testing.T) {
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			require.NoError(t, r.ParseForm())
			gotForm = r.PostForm
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token":  "access-123",
				"token_type":    "Bearer",
				"expires_in":    3600,
				"refresh_token": "refresh-123",
				"scope":         "read_orders",
			})
		case "/api/account":
			assert.Equal(t, "Bearer access-123", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(accountResponse{ID: "shop-1", Name: "Test Shop"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	provider := newTestProvider(t, testCreds(server.URL+"/authorize", server.URL+"/oauth/token", server.URL+"/api", ""))

	grant, err := provider.ExchangeCode(context.Background(), "auth-code", "https://hub.example/callback")
	require.NoError(t, err)

	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	assert.Equal(t, "auth-code", gotForm.Get("code"))
	assert.Equal(t, "client-secret", gotForm.Get("client_secret"))

	assert.Equal(t, "access-123", grant.AccessToken)
	assert.Equal(t, "refresh-123", grant.RefreshToken)
	assert.Equal(t, []string{"read_orders"}, grant.Scopes)
	require.NotNil(t, grant.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *grant.ExpiresAt, 5*time.Second)
	assert.Equal(t, "shop-1", grant.AccountID)
	assert.Equal(t, "Test Shop", grant.AccountName)
}

func TestExchangeCodeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer server.Close()

	provider := newTestProvider(t, testCreds(server.URL+"/authorize", server.URL+"/token", "", ""))

	_, err := provider.ExchangeCode(context.Background(), "bad-code", "https://hub.example/callback")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTokenExchange))
}

func TestRefresh(t *testing.T) {
	t.Run("provider rotates refresh token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token":  "new-access",
				"refresh_token": "new-refresh",
				"expires_in":    1800,
			})
		}))
		defer server.Close()

		provider := newTestProvider(t, testCreds(server.URL+"/a", server.URL+"/t", "", ""))
		grant, err := provider.Refresh(context.Background(), "old-refresh")
		require.NoError(t, err)
		assert.Equal(t, "new-access", grant.AccessToken)
		assert.Equal(t, "new-refresh", grant.RefreshToken)
	})

	t.Run("provider keeps refresh token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "new-access",
				"expires_in":   1800,
			})
		}))
		defer server.Close()

		provider := newTestProvider(t, testCreds(server.URL+"/a", server.URL+"/t", "", ""))
		grant, err := provider.Refresh(context.Background(), "old-refresh")
		require.NoError(t, err)
		assert.Equal(t, "old-refresh", grant.RefreshToken, "missing refresh token falls back to the old one")
	})

	t.Run("rejected refresh token is permanent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		provider := newTestProvider(t, testCreds(server.URL+"/a", server.URL+"/t", "", ""))
		_, err := provider.Refresh(context.Background(), "revoked-refresh")
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeProviderPermanent))
	})
}

func TestFetchPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/records", r.URL.Path)
		assert.Equal(t, "Bearer access-123", r.Header.Get("Authorization"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		if r.URL.Query().Get("cursor") == "" {
			json.NewEncoder(w).Encode(pageResponse{
				Records:    []map[string]interface{}{{"id": "r1"}, {"id": "r2"}},
				NextCursor: "page-2",
				HasMore:    true,
			})
			return
		}
		json.NewEncoder(w).Encode(pageResponse{
			Records: []map[string]interface{}{{"id": "r3"}},
		})
	}))
	defer server.Close()

	provider := newTestProvider(t, testCreds(server.URL+"/a", server.URL+"/t", server.URL+"/api", ""))

	first, err := provider.FetchPage(context.Background(), "access-123", "", 100)
	require.NoError(t, err)
	assert.Len(t, first.Records, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "page-2", first.NextCursor)

	second, err := provider.FetchPage(context.Background(), "access-123", first.NextCursor, 100)
	require.NoError(t, err)
	assert.Len(t, second.Records, 1)
	assert.False(t, second.HasMore)
}

func TestFetchPageErrors(t *testing.T) {
	t.Run("no API base URL", func(t *testing.T) {
		provider := newTestProvider(t, testCreds("https://p/a", "https://p/t", "", ""))
		_, err := provider.FetchPage(context.Background(), "token", "", 10)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
	})

	t.Run("throttled response is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		provider := newTestProvider(t, testCreds(server.URL+"/a", server.URL+"/t", server.URL+"/api", ""))
		_, err := provider.FetchPage(context.Background(), "token", "", 10)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeProviderTransient))
	})

	t.Run("server error is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		provider := newTestProvider(t, testCreds(server.URL+"/a", server.URL+"/t", server.URL+"/api", ""))
		_, err := provider.FetchPage(context.Background(), "token", "", 10)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeProviderTransient))
	})

	t.Run("malformed page body is permanent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{not json"))
		}))
		defer server.Close()

		provider := newTestProvider(t, testCreds(server.URL+"/a", server.URL+"/t", server.URL+"/api", ""))
		_, err := provider.FetchPage(context.Background(), "token", "", 10)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeProviderPermanent))
	})
}

func TestMalformedTokenResponseIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer server.Close()

	provider := newTestProvider(t, testCreds(server.URL+"/a", server.URL+"/t", "", ""))
	_, err := provider.Refresh(context.Background(), "refresh-123")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeProviderPermanent))
}

func TestRevoke(t *testing.T) {
	t.Run("no revocation endpoint is a no-op", func(t *testing.T) {
		provider := newTestProvider(t, testCreds("https://p/a", "https://p/t", "", ""))
		assert.NoError(t, provider.Revoke(context.Background(), "token"))
	})

	t.Run("posts the token to the revocation endpoint", func(t *testing.T) {
		var gotToken string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			gotToken = r.PostForm.Get("token")
		}))
		defer server.Close()

		provider := newTestProvider(t, testCreds("https://p/a", "https://p/t", "", server.URL+"/revoke"))
		require.NoError(t, provider.Revoke(context.Background(), "access-123"))
		assert.Equal(t, "access-123", gotToken)
	})
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		wantType apperrors.ErrorType
	}{
		{http.StatusOK, ""},
		{http.StatusTooManyRequests, apperrors.ErrTypeProviderTransient},
		{http.StatusInternalServerError, apperrors.ErrTypeProviderTransient},
		{http.StatusBadGateway, apperrors.ErrTypeProviderTransient},
		{http.StatusUnauthorized, apperrors.ErrTypeProviderPermanent},
		{http.StatusForbidden, apperrors.ErrTypeProviderPermanent},
		{http.StatusUnprocessableEntity, apperrors.ErrTypeProviderPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			err := classifyStatus("shopify", tt.status)
			if tt.wantType == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, tt.wantType))
			assert.Contains(t, err.Error(), strings.TrimSpace("shopify"))
		})
	}
}
