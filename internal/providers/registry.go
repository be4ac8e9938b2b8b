package providers

import (
	"fmt"
	"sort"
	"sync"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/config"
)

// Registry holds the providers the hub can connect to, built from the
// configured credentials at startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds a registry from configuration. Providers without
// credentials are skipped; connecting to them fails with not_found.
func NewRegistry(cfg *config.Config, logger logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	registry := &Registry{
		providers: make(map[string]Provider, len(cfg.Providers)),
	}

	for name, creds := range cfg.Providers {
		provider, err := NewHTTPProvider(name, creds, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", name, err)
		}
		registry.providers[name] = provider
		logger.Info("Registered provider", logging.Field{Key: "provider", Value: name})
	}

	return registry, nil
}

// Register adds or replaces a provider. Tests use this to install
// fakes; production code only registers through NewRegistry.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Name()] = provider
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[name]
	if !ok {
		return nil, apperrors.NotFoundError(fmt.Sprintf("provider %s", name))
	}
	return provider, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
