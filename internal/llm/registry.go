package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jlneal/choragen/internal/types"
)

// Registry manages provider registration, discovery, and health
// aggregation. It provides thread-safe access to all configured providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
// Returns ErrProviderAlreadyExists if a provider with the same name is
// already registered, and ErrProviderInvalidInput for nil or unnamed ones.
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return types.NewError(ErrProviderInvalidInput, "provider cannot be nil")
	}

	name := provider.Name()
	if name == "" {
		return types.NewError(ErrProviderInvalidInput, "provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return types.NewError(ErrProviderAlreadyExists, fmt.Sprintf("provider %q already registered", name))
	}

	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
// Returns ErrProviderNotFound if the provider doesn't exist.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, NewProviderNotFoundError(name)
	}
	return provider, nil
}

// List returns the names of all registered providers, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health returns the overall health status of the registry:
// healthy if all providers are healthy, degraded if some are,
// unhealthy if none are or no providers are registered.
func (r *Registry) Health(ctx context.Context) types.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.providers) == 0 {
		return types.Unhealthy("no providers registered")
	}

	healthy := 0
	for _, provider := range r.providers {
		if provider.Health(ctx).IsHealthy() {
			healthy++
		}
	}

	total := len(r.providers)
	switch {
	case healthy == total:
		return types.Healthy(fmt.Sprintf("all %d providers healthy", total))
	case healthy == 0:
		return types.Unhealthy(fmt.Sprintf("all %d providers unhealthy", total))
	default:
		return types.Degraded(fmt.Sprintf("%d/%d providers healthy", healthy, total))
	}
}
