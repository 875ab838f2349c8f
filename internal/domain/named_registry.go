package domain

import (
	"sync"

	"github.com/swarmguard/acmatch/internal/config"
)

// Registry tracks open domains by name and rejects a second Open under a
// name already in use.
type Registry struct {
	mu      sync.Mutex
	domains map[string]*Domain
}

// NewRegistry creates an empty named-domain registry.
func NewRegistry() *Registry {
	return &Registry{domains: make(map[string]*Domain)}
}

// Open opens a new domain under cfg.Name, or returns ErrNameTaken if a
// domain with that name is already registered.
func (reg *Registry) Open(cfg config.DomainConfig) (*Domain, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.domains[cfg.Name]; exists {
		return nil, ErrNameTaken
	}
	d := Open(cfg)
	reg.domains[cfg.Name] = d
	return d, nil
}

// Close closes and unregisters the named domain, refusing (ErrBusy,
// propagated from Domain.Close) while it still has leased replicas.
func (reg *Registry) Close(name string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	d, exists := reg.domains[name]
	if !exists {
		return nil
	}
	if err := d.Close(); err != nil {
		return err
	}
	delete(reg.domains, name)
	return nil
}

// Lookup returns the open domain registered under name, if any.
func (reg *Registry) Lookup(name string) (*Domain, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	d, ok := reg.domains[name]
	return d, ok
}
