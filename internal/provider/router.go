package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router manages multiple completion providers and routes requests by
// provider ID, falling back to the default when a contract names none.
type Router struct {
	providers map[string]Provider
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// Register adds a provider to the router. The first registered provider
// becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Route sends a chat request through the named provider, or the default
// when providerID is empty.
func (r *Router) Route(ctx context.Context, providerID string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	p := r.resolve(providerID)
	r.mu.RUnlock()

	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, providerID)
	}
	return p.Chat(ctx, req)
}

func (r *Router) resolve(providerID string) Provider {
	if providerID != "" {
		if p, ok := r.providers[providerID]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
