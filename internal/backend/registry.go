package backend

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Factory builds a backend. It is called at most once per registry.
type Factory func(logger *slog.Logger) (Backend, error)

// BackendInfo pairs a backend name with its capabilities.
type BackendInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds backend factories keyed by backend type and the backends
// built from them. Controllers sharing a backend type share one instance.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	backends  map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
		backends:  make(map[string]Backend),
	}
}

// Register adds a factory under the given backend type.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve returns the backend of the given type, building it on first use.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[name]; ok {
		return b, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", name)
	}
	b, err := f(r.logger.With("backend", name))
	if err != nil {
		return nil, fmt.Errorf("build backend %q: %w", name, err)
	}
	r.backends[name] = b
	return b, nil
}

// Names returns every registered backend type, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns information about the backends built so far, sorted by name
// for a stable API response.
func (r *Registry) List() []BackendInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, BackendInfo{
			Name:         name,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Close closes every built backend that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, b := range r.backends {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close backend %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
