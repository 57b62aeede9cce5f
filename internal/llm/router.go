package llm

import (
	"fmt"
	"sync"
)

// Factory builds a client for a model name.
type Factory func(model string) (Client, error)

// Router resolves (provider, model) routing hints to clients and caches them.
type Router struct {
	mu              sync.Mutex
	factories       map[string]Factory
	clients         map[string]Client
	defaultProvider string
	defaultModel    string
}

// NewRouter creates a router with defaults used when hints are empty.
func NewRouter(defaultProvider, defaultModel string) *Router {
	return &Router{
		factories:       map[string]Factory{},
		clients:         map[string]Client{},
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
	}
}

// Register adds a provider.
func (r *Router) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// Client returns the client for provider and model.
func (r *Router) Client(provider, model string) (Client, error) {
	if provider == "" {
		provider = r.defaultProvider
	}
	if model == "" {
		model = r.defaultModel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := provider + "/" + model
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	f, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	c, err := f(model)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}
	r.clients[key] = c
	return c, nil
}
