package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store is the source of truth for schema documents.
type Store interface {
	// Kind returns the store type (e.g., "memory", "file", "http").
	Kind() string

	// ListVersions returns every version string advertised for a package.
	ListVersions(ctx context.Context, name string) ([]string, error)

	// FetchDocument returns the raw schema document for a package version.
	FetchDocument(ctx context.Context, name, version string) (*RawDocument, error)
}

// Factory creates a store for a location (URL, directory, seed file).
type Factory func(location string) (Store, error)

var (
	factories = make(map[string]Factory)
	mu        sync.RWMutex
)

// Register adds a store factory under kind.
func Register(kind string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = factory
}

// New creates a store of the given kind.
func New(kind, location string) (Store, error) {
	mu.RLock()
	factory, ok := factories[kind]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown store kind: %s", kind)
	}

	return factory(location)
}

// SupportedKinds returns all registered store kinds, sorted.
func SupportedKinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
