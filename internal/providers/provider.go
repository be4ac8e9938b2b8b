// Package providers implements the OAuth and data-sync client for each
// connected external platform. All providers speak the standard
// authorization-code flow; per-provider differences live entirely in
// configuration (endpoints, scopes), so one HTTP implementation serves
// every registered provider.
package providers

import (
	"context"
	"time"
)

// TokenGrant is the result of a code exchange or token refresh.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	ExpiresAt    *time.Time

	// External account identity, populated on code exchange.
	AccountID   string
	AccountName string
}

// Page is one page of records fetched from a provider API.
type Page struct {
	Records    []map[string]interface{}
	NextCursor string
	HasMore    bool
}

// Provider is the client for one external platform.
type Provider interface {
	// Name returns the provider identifier, e.g. "shopify".
	Name() string

	// AuthorizationURL builds the consent page URL the user is sent to
	// at the start of the handshake.
	AuthorizationURL(state, redirectURI string) string

	// ExchangeCode trades an authorization code for tokens. The
	// returned grant carries the external account identity.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenGrant, error)

	// Refresh rotates an access token using the refresh token. A
	// provider_permanent error means the refresh token itself was
	// rejected and the integration needs the user to reconnect.
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)

	// FetchPage retrieves one page of records. An empty cursor starts
	// from the beginning.
	FetchPage(ctx context.Context, accessToken, cursor string, pageSize int) (*Page, error)

	// Revoke invalidates the token with the provider. Best effort:
	// providers without a revocation endpoint return nil.
	Revoke(ctx context.Context, accessToken string) error
}
