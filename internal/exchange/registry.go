package exchange

import (
	"errors"
	"fmt"
	"sync"
)

// Registry owns the process's exchange connections. It replaces any
// notion of a global connector cache: the process context constructs
// one, passes it down, and tears it down at strategy stop.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Connector)}
}

// Register adds a connector under its name. Duplicate names error.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.Name()]; ok {
		return fmt.Errorf("connector %q already registered", c.Name())
	}
	r.conns[c.Name()] = c
	return nil
}

// Get resolves a connector by name.
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[name]
	if !ok {
		return nil, fmt.Errorf("connector %q not registered", name)
	}
	return c, nil
}

// Close closes every connector, collecting errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, c := range r.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(r.conns, name)
	}
	return errors.Join(errs...)
}
