package providers

import (
	"strings"
	"sync"

	"github.com/smallbiznis/autocompta/internal/banksync/domain"
)

// Registry builds providers lazily and keeps one instance per name.
type Registry struct {
	mu        sync.Mutex
	factories map[string]domain.ProviderFactory
	instances map[string]domain.Provider
}

func NewRegistry(factories ...domain.ProviderFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.ProviderFactory{},
		instances: map[string]domain.Provider{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		name := normalize(factory.Provider())
		if name == "" {
			continue
		}
		registry.factories[name] = factory
	}
	return registry
}

func (r *Registry) Provider(name string) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	name = normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.instances[name]; ok {
		return p, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	p, err := factory.NewProvider()
	if err != nil {
		return nil, err
	}
	r.instances[name] = p
	return p, nil
}

// Names lists registered providers.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
