package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gezibash/arc-groups/internal/observability"
)

// Factory creates a store from a configuration map.
type Factory func(ctx context.Context, config map[string]string) (Store, error)

// DefaultsFunc returns the default configuration for a backend.
type DefaultsFunc func() map[string]string

type backendEntry struct {
	Factory  Factory
	Defaults DefaultsFunc
}

var (
	backends   = make(map[string]backendEntry)
	backendsMu sync.RWMutex
)

// Register registers a backend factory with the given name.
// Panics if a backend with the same name is already registered.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("store backend %q already registered", name))
	}
	backends[name] = backendEntry{Factory: factory, Defaults: defaults}
}

// GetDefaults returns the default configuration for a backend.
func GetDefaults(name string) map[string]string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	entry, ok := backends[name]
	if !ok || entry.Defaults == nil {
		return nil
	}
	return entry.Defaults()
}

// ListBackends returns the names of all registered backends.
func ListBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered returns true if a backend with the given name is registered.
func IsRegistered(name string) bool {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// New opens a store by backend name. config is merged over the backend
// defaults.
func New(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (s Store, err error) {
	op, ctx := observability.StartOperation(ctx, metrics, "store.new")
	defer func() { op.End(err) }()

	backendsMu.RLock()
	entry, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		return nil, NewConfigError(name, "", fmt.Sprintf("unknown store backend %q (available: %v)", name, ListBackends()))
	}

	inner, err := entry.Factory(ctx, MergeConfig(GetDefaults(name), config))
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "store opened", "backend", name)
	return guarded{Store: inner, name: name}, nil
}
