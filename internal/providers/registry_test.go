package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/config"
)

func TestNewRegistry(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]config.ProviderCredentials{
			"shopify": {
				ClientID:     "id",
				ClientSecret: "secret",
				AuthURL:      "https://shopify.example/authorize",
				TokenURL:     "https://shopify.example/token",
			},
			"stripe": {
				ClientID:     "id2",
				ClientSecret: "secret2",
				AuthURL:      "https://stripe.example/authorize",
				TokenURL:     "https://stripe.example/token",
			},
		},
	}

	registry, err := NewRegistry(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"shopify", "stripe"}, registry.Names())

	provider, err := registry.Get("shopify")
	require.NoError(t, err)
	assert.Equal(t, "shopify", provider.Name())

	_, err = registry.Get("quickbooks")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
}

func TestNewRegistryInvalidCredentials(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]config.ProviderCredentials{
			"shopify": {ClientID: "id"},
		},
	}

	_, err := NewRegistry(cfg, nil)
	assert.Error(t, err)
}
