package agent

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrBackendNotFound = errors.New("backend not found")

// Registry maps backend names to instances. Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	backends    map[string]Backend
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its name. The first registration also
// becomes the default until SetDefault overrides it.
func (r *Registry) Register(backend Backend) {
	if r == nil || backend == nil {
		return
	}
	key := normalizeBackendName(backend.Name())
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[key] = backend
	if r.defaultName == "" {
		r.defaultName = key
	}
}

func (r *Registry) SetDefault(name string) error {
	key := normalizeBackendName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[key]; !ok {
		return ErrBackendNotFound
	}
	r.defaultName = key
	return nil
}

func (r *Registry) Get(name string) (Backend, error) {
	if r == nil {
		return nil, ErrBackendNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	key := normalizeBackendName(name)
	if key == "" {
		key = r.defaultName
	}
	backend, ok := r.backends[key]
	if !ok {
		return nil, ErrBackendNotFound
	}
	return backend, nil
}

// Default returns the default backend.
func (r *Registry) Default() (Backend, error) {
	return r.Get("")
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeBackendName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
