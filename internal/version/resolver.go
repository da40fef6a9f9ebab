package version

import (
	"context"
	"sort"
	"time"

	"github.com/blang/semver/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/git-pkgs/schemaloader/internal/core"
)

const (
	// DefaultListTTL bounds how long an advertised version list is reused.
	// New versions can be published at any time, so keep this short.
	DefaultListTTL = 30 * time.Second

	// DefaultListTimeout bounds a single version-list call to the store.
	DefaultListTimeout = 30 * time.Second
)

// Lister is the part of a store the resolver needs.
type Lister interface {
	ListVersions(ctx context.Context, name string) ([]string, error)
}

// Candidate is an advertised version that parsed as a semantic version.
type Candidate struct {
	Raw     string
	Version semver.Version
}

// Resolver picks concrete versions for constraints.
type Resolver struct {
	lister      Lister
	ttl         time.Duration
	listTimeout time.Duration
	logger      log.Logger

	lists *gocache.Cache
	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithListTTL sets how long version lists are cached. Zero disables caching.
func WithListTTL(d time.Duration) Option {
	return func(r *Resolver) {
		r.ttl = d
	}
}

// WithListTimeout bounds each version-list call to the store.
func WithListTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.listTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a resolver over lister.
func NewResolver(lister Lister, opts ...Option) *Resolver {
	r := &Resolver{
		lister:      lister,
		ttl:         DefaultListTTL,
		listTimeout: DefaultListTimeout,
		logger:      log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	cleanup := r.ttl * 2
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	r.lists = gocache.New(r.ttl, cleanup)
	return r
}

// Resolve returns the highest advertised version of name allowed by c.
func (r *Resolver) Resolve(ctx context.Context, name string, c Constraint) (core.ResolvedVersion, error) {
	candidates, err := r.Candidates(ctx, name)
	if err != nil {
		return core.ResolvedVersion{}, err
	}

	for _, cand := range candidates {
		if c.Allows(cand.Raw, cand.Version) {
			return core.ResolvedVersion{Name: name, Version: cand.Raw}, nil
		}
	}

	return core.ResolvedVersion{}, &core.NotFoundError{Name: name, Constraint: c.String()}
}

// Candidates returns the advertised versions of name, highest first.
// Concurrent calls for the same name share one store call, and the result
// is reused for the list TTL.
func (r *Resolver) Candidates(ctx context.Context, name string) ([]Candidate, error) {
	if r.ttl > 0 {
		if cached, ok := r.lists.Get(name); ok {
			return cached.([]Candidate), nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The store call runs detached from this caller so that one caller
	// giving up does not fail the others sharing it.
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(name, func() (any, error) {
		listCtx, cancel := context.WithTimeout(detached, r.listTimeout)
		defer cancel()
		return r.load(listCtx, name)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Candidate), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) load(ctx context.Context, name string) ([]Candidate, error) {
	raw, err := r.lister.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(raw))
	for _, s := range raw {
		v, err := parseVersion(s)
		if err != nil {
			level.Debug(r.logger).Log("msg", "skipping non-semver version", "package", name, "version", s)
			continue
		}
		candidates = append(candidates, Candidate{Raw: s, Version: v})
	}
	if len(candidates) == 0 {
		return nil, &core.NotFoundError{Name: name}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if cmp := candidates[i].Version.Compare(candidates[j].Version); cmp != 0 {
			return cmp > 0
		}
		return candidates[i].Raw < candidates[j].Raw
	})

	if r.ttl > 0 {
		r.lists.Set(name, candidates, r.ttl)
	}
	return candidates, nil
}

// Invalidate drops the cached version list for name.
func (r *Resolver) Invalidate(name string) {
	r.lists.Delete(name)
}
