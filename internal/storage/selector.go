package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Backend from the resolved configuration.
type Factory func(ctx context.Context) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named backend factory. Called from init or startup
// wiring; later registrations for the same name replace earlier ones.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Select resolves the configured backend name to an instance. The
// resolution happens once at startup; there is no runtime switching.
func Select(ctx context.Context, name string) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q (registered: %v)", name, registeredNames())
	}
	backend, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize storage backend %q: %w", name, err)
	}
	return backend, nil
}

func registeredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
