// Package providertest provides a configurable in-memory Provider for
// tests in packages that sit on top of the provider layer.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"integration-hub/internal/providers"
)

// Fake is a scriptable Provider. Zero value behavior: every call
// succeeds with canned data. Set the function fields to override, or
// the error fields to fail a call class.
type Fake struct {
	ProviderName string

	ExchangeErr error
	RefreshErr  error
	FetchErr    error
	RevokeErr   error

	// Pages are served in order by FetchPage; the last page reports
	// HasMore false. When empty a single empty page is served.
	Pages []*providers.Page

	// FetchFunc overrides FetchPage entirely when set.
	FetchFunc func(ctx context.Context, accessToken, cursor string, pageSize int) (*providers.Page, error)

	// RefreshFunc overrides Refresh entirely when set.
	RefreshFunc func(ctx context.Context, refreshToken string) (*providers.TokenGrant, error)

	mu           sync.Mutex
	exchangeCnt  int
	refreshCnt   int
	fetchCnt     int
	revokedToken string
}

func New(name string) *Fake {
	return &Fake{ProviderName: name}
}

func (f *Fake) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

func (f *Fake) AuthorizationURL(state, redirectURI string) string {
	return fmt.Sprintf("https://%s.example/authorize?state=%s&redirect_uri=%s", f.Name(), state, redirectURI)
}

func (f *Fake) ExchangeCode(ctx context.Context, code, redirectURI string) (*providers.TokenGrant, error) {
	f.mu.Lock()
	f.exchangeCnt++
	f.mu.Unlock()

	if f.ExchangeErr != nil {
		return nil, f.ExchangeErr
	}

	expiresAt := time.Now().Add(time.Hour)
	return &providers.TokenGrant{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		TokenType:    "Bearer",
		Scopes:       []string{"read"},
		ExpiresAt:    &expiresAt,
		AccountID:    "account-1",
		AccountName:  "Fake Account",
	}, nil
}

func (f *Fake) Refresh(ctx context.Context, refreshToken string) (*providers.TokenGrant, error) {
	f.mu.Lock()
	f.refreshCnt++
	f.mu.Unlock()

	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, refreshToken)
	}
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}

	expiresAt := time.Now().Add(time.Hour)
	return &providers.TokenGrant{
		AccessToken:  "refreshed-access",
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    &expiresAt,
	}, nil
}

func (f *Fake) FetchPage(ctx context.Context, accessToken, cursor string, pageSize int) (*providers.Page, error) {
	f.mu.Lock()
	callIndex := f.fetchCnt
	f.fetchCnt++
	f.mu.Unlock()

	if f.FetchFunc != nil {
		return f.FetchFunc(ctx, accessToken, cursor, pageSize)
	}
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}

	if len(f.Pages) == 0 {
		return &providers.Page{}, nil
	}
	if callIndex >= len(f.Pages) {
		callIndex = len(f.Pages) - 1
	}
	return f.Pages[callIndex], nil
}

func (f *Fake) Revoke(ctx context.Context, accessToken string) error {
	f.mu.Lock()
	f.revokedToken = accessToken
	f.mu.Unlock()
	return f.RevokeErr
}

// ExchangeCalls returns how many times ExchangeCode ran.
func (f *Fake) ExchangeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeCnt
}

// RefreshCalls returns how many times Refresh ran.
func (f *Fake) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCnt
}

// FetchCalls returns how many times FetchPage ran.
func (f *Fake) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCnt
}

// RevokedToken returns the last token passed to Revoke.
func (f *Fake) RevokedToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokedToken
}
