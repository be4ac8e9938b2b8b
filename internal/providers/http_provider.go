package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"integration-hub/internal/circuitbreaker"
	apperrors "integration-hub/internal/common/errors"
	commonhttp "integration-hub/internal/common/http"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/config"
)

// tokenResponse maps the RFC 6749 token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// Account identity fields some providers include with the grant.
	AccountID   string `json:"account_id,omitempty"`
	AccountName string `json:"account_name,omitempty"`
}

type pageResponse struct {
	Records    []map[string]interface{} `json:"records"`
	NextCursor string                   `json:"next_cursor,omitempty"`
	HasMore    bool                     `json:"has_more"`
}

type accountResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HTTPProvider is the configuration-driven Provider implementation.
// Token endpoint calls and data API calls run behind separate circuit
// breakers because their failure modes differ: a melted data API must
// not block token refresh, which is what recovers integrations.
type HTTPProvider struct {
	name         string
	creds        config.ProviderCredentials
	httpClient   *http.Client
	tokenBreaker *circuitbreaker.GoBreakerAdapter
	apiBreaker   *circuitbreaker.GoBreakerAdapter
	logger       logging.Logger
}

func NewHTTPProvider(name string, creds config.ProviderCredentials, logger logging.Logger) (*HTTPProvider, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, apperrors.ConfigError(fmt.Sprintf("provider %s: client credentials are required", name))
	}
	if creds.AuthURL == "" || creds.TokenURL == "" {
		return nil, apperrors.ConfigError(fmt.Sprintf("provider %s: auth and token URLs are required", name))
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &HTTPProvider{
		name:         name,
		creds:        creds,
		httpClient:   commonhttp.NewHTTPClientWithTimeout(30 * time.Second),
		tokenBreaker: circuitbreaker.NewGoBreaker(name+"-token", circuitbreaker.TokenEndpointConfig, logger),
		apiBreaker:   circuitbreaker.NewGoBreaker(name+"-api", circuitbreaker.ProviderAPIConfig, logger),
		logger:       logger,
	}, nil
}

func (p *HTTPProvider) Name() string {
	return p.name
}

func (p *HTTPProvider) AuthorizationURL(state, redirectURI string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", p.creds.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)
	if p.creds.Scopes != "" {
		params.Set("scope", p.creds.Scopes)
	}

	separator := "?"
	if strings.Contains(p.creds.AuthURL, "?") {
		separator = "&"
	}
	return p.creds.AuthURL + separator + params.Encode()
}

func (p *HTTPProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenGrant, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", p.creds.ClientID)
	data.Set("client_secret", p.creds.ClientSecret)

	grant, err := p.requestToken(ctx, data)
	if err != nil {
		return nil, apperrors.TokenExchangeError(fmt.Sprintf("provider %s rejected the authorization code", p.name), err)
	}

	// Providers that do not return account identity with the grant get
	// a follow-up identity lookup so every integration has a stable
	// external account ID.
	if grant.AccountID == "" && p.creds.APIBaseURL != "" {
		account, err := p.fetchAccount(ctx, grant.AccessToken)
		if err != nil {
			p.logger.Warn("Account identity lookup failed after code exchange",
				logging.Field{Key: "provider", Value: p.name},
				logging.Field{Key: "error", Value: err})
		} else {
			grant.AccountID = account.ID
			grant.AccountName = account.Name
		}
	}

	return grant, nil
}

func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", p.creds.ClientID)
	data.Set("client_secret", p.creds.ClientSecret)

	grant, err := p.requestToken(ctx, data)
	if err != nil {
		return nil, err
	}

	// Providers that rotate refresh tokens return a new one; those
	// that do not expect the caller to keep using the old token.
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	}
	return grant, nil
}

func (p *HTTPProvider) requestToken(ctx context.Context, data url.Values) (*TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.creds.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var resp *http.Response
	err = p.tokenBreaker.Execute(ctx, func() error {
		var httpErr error
		resp, httpErr = p.httpClient.Do(req)
		if httpErr != nil {
			return apperrors.ProviderTransientError(fmt.Sprintf("provider %s token endpoint unreachable", p.name), httpErr)
		}
		return classifyStatus(p.name, resp.StatusCode)
	})
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			drainError(resp)
		}
		return nil, err
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		// Malformed payloads never repair themselves on retry
		return nil, apperrors.ProviderPermanentError(fmt.Sprintf("provider %s returned a malformed token response", p.name), err)
	}
	if tokenResp.AccessToken == "" {
		return nil, apperrors.ProviderPermanentError(fmt.Sprintf("provider %s returned no access token", p.name), nil)
	}

	grant := &TokenGrant{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		AccountID:    tokenResp.AccountID,
		AccountName:  tokenResp.AccountName,
	}
	if grant.TokenType == "" {
		grant.TokenType = "Bearer"
	}
	if tokenResp.Scope != "" {
		grant.Scopes = strings.Fields(tokenResp.Scope)
	}
	if tokenResp.ExpiresIn > 0 {
		expiresAt := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
		grant.ExpiresAt = &expiresAt
	}

	return grant, nil
}

func (p *HTTPProvider) FetchPage(ctx context.Context, accessToken, cursor string, pageSize int) (*Page, error) {
	if p.creds.APIBaseURL == "" {
		return nil, apperrors.ConfigError(fmt.Sprintf("provider %s has no API base URL configured", p.name))
	}

	endpoint := strings.TrimSuffix(p.creds.APIBaseURL, "/") + "/records"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create page request: %w", err)
	}

	query := req.URL.Query()
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if pageSize > 0 {
		query.Set("limit", strconv.Itoa(pageSize))
	}
	req.URL.RawQuery = query.Encode()
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	var resp *http.Response
	err = p.apiBreaker.Execute(ctx, func() error {
		var httpErr error
		resp, httpErr = p.httpClient.Do(req)
		if httpErr != nil {
			return apperrors.ProviderTransientError(fmt.Sprintf("provider %s API unreachable", p.name), httpErr)
		}
		return classifyStatus(p.name, resp.StatusCode)
	})
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			drainError(resp)
		}
		return nil, err
	}

	var pageResp pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&pageResp); err != nil {
		return nil, apperrors.ProviderPermanentError(fmt.Sprintf("provider %s returned a malformed page", p.name), err)
	}

	return &Page{
		Records:    pageResp.Records,
		NextCursor: pageResp.NextCursor,
		HasMore:    pageResp.HasMore,
	}, nil
}

func (p *HTTPProvider) Revoke(ctx context.Context, accessToken string) error {
	if p.creds.RevokeURL == "" {
		return nil
	}

	data := url.Values{}
	data.Set("token", accessToken)
	data.Set("client_id", p.creds.ClientID)
	data.Set("client_secret", p.creds.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.creds.RevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return apperrors.ProviderTransientError(fmt.Sprintf("provider %s revocation endpoint unreachable", p.name), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return classifyStatus(p.name, resp.StatusCode)
	}
	return nil
}

func (p *HTTPProvider) fetchAccount(ctx context.Context, accessToken string) (*accountResponse, error) {
	endpoint := strings.TrimSuffix(p.creds.APIBaseURL, "/") + "/account"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create account request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.ProviderTransientError(fmt.Sprintf("provider %s account endpoint unreachable", p.name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(p.name, resp.StatusCode)
	}

	account := &accountResponse{}
	if err := json.NewDecoder(resp.Body).Decode(account); err != nil {
		return nil, apperrors.ProviderPermanentError(fmt.Sprintf("provider %s returned a malformed account response", p.name), err)
	}
	return account, nil
}

// classifyStatus maps a provider HTTP status to the error taxonomy:
// 429 and 5xx are transient and worth retrying, other 4xx are
// permanent rejections of the request itself.
func classifyStatus(provider string, status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusTooManyRequests:
		return apperrors.ProviderTransientError(fmt.Sprintf("provider %s throttled the request", provider), nil).
			WithCode(strconv.Itoa(status))
	case status >= 500:
		return apperrors.ProviderTransientError(fmt.Sprintf("provider %s returned status %d", provider, status), nil).
			WithCode(strconv.Itoa(status))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.ProviderPermanentError(fmt.Sprintf("provider %s rejected the credentials (status %d)", provider, status), nil).
			WithCode(strconv.Itoa(status))
	default:
		return apperrors.ProviderPermanentError(fmt.Sprintf("provider %s returned status %d", provider, status), nil).
			WithCode(strconv.Itoa(status))
	}
}

func drainError(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
}
