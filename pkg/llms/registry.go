package llms

import (
	"fmt"

	"github.com/maestro-run/maestro/pkg/registry"
)

// Registry maps provider ids to Provider implementations.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// RegisterProvider registers a provider under its own name.
func (r *Registry) RegisterProvider(p Provider) error {
	return r.Register(p.Name(), p)
}

// Resolve returns the provider for the given id.
func (r *Registry) Resolve(id string) (Provider, error) {
	p, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("model provider %q not registered", id)
	}
	return p, nil
}
