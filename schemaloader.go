// Package schemaloader serves package schema documents from a store, through
// a version resolver and a shared in-memory cache.
//
// Basic usage:
//
//	import (
//		"context"
//		"github.com/git-pkgs/schemaloader"
//		_ "github.com/git-pkgs/schemaloader/all"
//	)
//
//	store, err := schemaloader.OpenStore("file", "/srv/schemas")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	loader := schemaloader.NewLoader(store)
//	defer loader.Close()
//
//	resp, err := loader.GetSchema(context.Background(), schemaloader.PackageRef{
//		Name:       "acme/widgets",
//		Constraint: "^1.2.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer resp.Release()
//	fmt.Println(resp.Resolved, string(resp.Schema))
//
// Stores register themselves when their package is imported. The all
// subpackage imports every built-in store.
package schemaloader

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/git-pkgs/schemaloader/client"
	"github.com/git-pkgs/schemaloader/internal/cache"
	"github.com/git-pkgs/schemaloader/internal/core"
	"github.com/git-pkgs/schemaloader/internal/service"
	"github.com/git-pkgs/schemaloader/internal/version"
)

// Re-export types from internal/core
type (
	// Store is the interface implemented by all schema stores.
	Store = core.Store

	// PackageRef names a package and an optional version constraint.
	PackageRef = core.PackageRef

	// ResolvedVersion is a package name with the concrete version chosen for it.
	ResolvedVersion = core.ResolvedVersion

	// SchemaDocument is a parsed, immutable schema document.
	SchemaDocument = core.SchemaDocument

	// RawDocument is a document as returned by a store.
	RawDocument = core.RawDocument

	// Kind classifies errors.
	Kind = core.Kind

	// Error is the error type returned by the loader.
	Error = core.Error
)

// Re-export types from the service and cache
type (
	// Response is a served schema. Release it when done.
	Response = service.Response

	// WarmResult reports the outcome of warming one reference.
	WarmResult = service.WarmResult

	// CacheStats is a point-in-time summary of the cache.
	CacheStats = cache.Stats

	// URLBuilder constructs URLs for a remote schema registry.
	URLBuilder = client.URLBuilder
)

// Re-export error kinds
const (
	KindInternal            = core.KindInternal
	KindInvalidArgument     = core.KindInvalidArgument
	KindNotFound            = core.KindNotFound
	KindAmbiguousConstraint = core.KindAmbiguousConstraint
	KindUnavailable         = core.KindUnavailable
	KindMalformed           = core.KindMalformed
)

// Re-export errors
var (
	ErrNotFound        = core.ErrNotFound
	ErrInvalidArgument = core.ErrInvalidArgument
	ErrUnavailable     = core.ErrUnavailable
	ErrMalformed       = core.ErrMalformed
	ErrCacheClosed     = cache.ErrClosed
)

// KindOf returns the kind of err.
func KindOf(err error) Kind {
	return core.KindOf(err)
}

// OpenStore creates a store of the given kind. The location is a seed file
// for "memory", a root directory for "file" and a base URL for "http".
func OpenStore(kind, location string) (Store, error) {
	return core.New(kind, location)
}

// SupportedStores returns all registered store kinds.
// Note: stores must be imported to be registered.
func SupportedStores() []string {
	return core.SupportedKinds()
}

// ParseRef parses "name", "name@constraint" or a package URL.
func ParseRef(s string) (PackageRef, error) {
	return core.ParseRef(s)
}

// BuildURLs returns a map of all non-empty URLs for a package version.
// Keys are "versions", "schema" and "purl".
func BuildURLs(urls URLBuilder, name, version string) map[string]string {
	return client.BuildURLs(urls, name, version)
}

// Loader answers schema requests for one store.
type Loader struct {
	*service.Service

	resolver *version.Resolver
	cache    *cache.Cache
}

type loaderConfig struct {
	cache    []cache.Option
	resolver []version.Option
	service  []service.Option
}

// LoaderOption configures a Loader.
type LoaderOption func(*loaderConfig)

// WithLogger sets the logger of every loader component.
func WithLogger(l log.Logger) LoaderOption {
	return func(c *loaderConfig) {
		c.cache = append(c.cache, cache.WithLogger(l))
		c.resolver = append(c.resolver, version.WithLogger(l))
		c.service = append(c.service, service.WithLogger(l))
	}
}

// WithRegisterer registers cache and request metrics with reg.
func WithRegisterer(reg prometheus.Registerer) LoaderOption {
	return func(c *loaderConfig) {
		c.cache = append(c.cache, cache.WithRegisterer(reg))
		c.service = append(c.service, service.WithRegisterer(reg))
	}
}

// WithCacheOptions passes options to the schema cache.
func WithCacheOptions(opts ...cache.Option) LoaderOption {
	return func(c *loaderConfig) {
		c.cache = append(c.cache, opts...)
	}
}

// WithResolverOptions passes options to the version resolver.
func WithResolverOptions(opts ...version.Option) LoaderOption {
	return func(c *loaderConfig) {
		c.resolver = append(c.resolver, opts...)
	}
}

// WithServiceOptions passes options to the service.
func WithServiceOptions(opts ...service.Option) LoaderOption {
	return func(c *loaderConfig) {
		c.service = append(c.service, opts...)
	}
}

// Cache options
var (
	WithBudget       = cache.WithBudget
	WithMaxIdle      = cache.WithMaxIdle
	WithFetchTimeout = cache.WithFetchTimeout
)

// WithListTTL sets how long the resolver reuses a version list.
var WithListTTL = version.WithListTTL

// NewLoader builds a resolver, cache and service over store.
func NewLoader(store Store, opts ...LoaderOption) *Loader {
	cfg := &loaderConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	resolver := version.NewResolver(store, cfg.resolver...)
	c := cache.New(store, cfg.cache...)
	return &Loader{
		Service:  service.New(resolver, c, cfg.service...),
		resolver: resolver,
		cache:    c,
	}
}

// Cache returns the loader's schema cache.
func (l *Loader) Cache() *cache.Cache {
	return l.cache
}

// Stats returns cache statistics.
func (l *Loader) Stats() CacheStats {
	return l.cache.Stats()
}

// Invalidate drops the cached version list of name and, if version is
// non-empty, the cached document for that version.
func (l *Loader) Invalidate(name, version string) {
	l.resolver.Invalidate(name)
	if version != "" {
		l.cache.Invalidate(name, version)
	}
}

// Close stops the cache. Pending fetches are cancelled.
func (l *Loader) Close() error {
	return l.cache.Close()
}
