// Package service implements the schema loader: it validates a package
// reference, resolves the version constraint, loads the document through the
// cache and hands back its canonical bytes.
//
// Every error returned by GetSchema is a *core.Error whose Kind is one of
// KindInvalidArgument, KindNotFound or KindInternal.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/git-pkgs/schemaloader/internal/cache"
	"github.com/git-pkgs/schemaloader/internal/core"
	"github.com/git-pkgs/schemaloader/internal/version"
)

// DefaultWarmConcurrency bounds concurrent loads in Warm.
const DefaultWarmConcurrency = 8

const tracerName = "github.com/git-pkgs/schemaloader/internal/service"

// Response is a loaded schema. The document stays pinned in the cache until
// Release is called, so callers release once the bytes have been sent.
type Response struct {
	Resolved core.ResolvedVersion
	Document *core.SchemaDocument

	// Schema is the canonical JSON encoding of the document. It is shared
	// and must not be modified.
	Schema []byte

	lease *cache.Lease
}

// Release unpins the document. Further calls are no-ops.
func (r *Response) Release() {
	if r != nil && r.lease != nil {
		r.lease.Release()
	}
}

// Service answers schema requests.
type Service struct {
	resolver        *version.Resolver
	cache           *cache.Cache
	logger          log.Logger
	tracer          trace.Tracer
	registerer      prometheus.Registerer
	metrics         *metrics
	warmConcurrency int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithTracerProvider sets the tracer provider. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// WithRegisterer registers the request metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		s.registerer = reg
	}
}

// WithWarmConcurrency bounds concurrent loads in Warm.
func WithWarmConcurrency(n int) Option {
	return func(s *Service) {
		s.warmConcurrency = n
	}
}

// New creates a service over a resolver and a cache. The caller owns both
// and closes the cache on shutdown.
func New(resolver *version.Resolver, c *cache.Cache, opts ...Option) *Service {
	s := &Service{
		resolver:        resolver,
		cache:           c,
		logger:          log.NewNopLogger(),
		tracer:          otel.Tracer(tracerName),
		warmConcurrency: DefaultWarmConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.registerer)
	return s
}

// GetSchema loads the schema for ref. On success the caller must Release
// the response.
func (s *Service) GetSchema(ctx context.Context, ref core.PackageRef) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "schemaloader.GetSchema",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("schema.package", ref.Name),
			attribute.String("schema.constraint", ref.Constraint),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := s.getSchema(ctx, ref)
	s.metrics.observe(err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		logger := log.With(s.logger, "package", ref.Name, "constraint", ref.Constraint, "err", err)
		if core.KindOf(err) == core.KindInternal {
			level.Error(logger).Log("msg", "schema request failed")
		} else {
			level.Debug(logger).Log("msg", "schema request rejected")
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("schema.version", resp.Resolved.Version),
		attribute.String("schema.digest", resp.Document.Digest),
		attribute.Int64("schema.size_bytes", resp.Document.SizeBytes),
	)
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (s *Service) getSchema(ctx context.Context, ref core.PackageRef) (*Response, error) {
	constraint, err := validate(ref)
	if err != nil {
		return nil, err
	}

	resolved, err := s.resolve(ctx, ref, constraint)
	if err != nil {
		return nil, err
	}

	lease, err := s.lookup(ctx, resolved)
	if err != nil {
		return nil, err
	}

	doc := lease.Document()
	return &Response{
		Resolved: resolved,
		Document: doc,
		Schema:   doc.Canonical,
		lease:    lease,
	}, nil
}

// validate checks the name grammar and parses the constraint without
// touching any collaborator.
func validate(ref core.PackageRef) (version.Constraint, error) {
	if ref.Name == "" {
		return version.Constraint{}, &core.Error{Kind: core.KindInvalidArgument, Message: "package name is required", Err: core.ErrInvalidArgument}
	}
	if !core.ValidName(ref.Name) {
		return version.Constraint{}, &core.Error{
			Kind:    core.KindInvalidArgument,
			Message: fmt.Sprintf("invalid package name %q", truncate(ref.Name)),
			Err:     core.ErrInvalidArgument,
		}
	}

	c, err := version.ParseConstraint(ref.Constraint)
	if err != nil {
		return version.Constraint{}, &core.Error{
			Kind:    core.KindInvalidArgument,
			Message: fmt.Sprintf("invalid version constraint %q for package %s", truncate(ref.Constraint), ref.Name),
			Err:     err,
		}
	}
	return c, nil
}

func (s *Service) resolve(ctx context.Context, ref core.PackageRef, c version.Constraint) (core.ResolvedVersion, error) {
	ctx, span := s.tracer.Start(ctx, "schemaloader.Resolve")
	defer span.End()

	resolved, err := s.resolver.Resolve(ctx, ref.Name, c)
	if err == nil {
		span.SetAttributes(attribute.String("schema.version", resolved.Version))
		return resolved, nil
	}
	span.RecordError(err)

	switch core.KindOf(err) {
	case core.KindNotFound, core.KindAmbiguousConstraint:
		// An ambiguous constraint matched no single version.
		return core.ResolvedVersion{}, &core.Error{Kind: core.KindNotFound, Message: err.Error(), Err: err}
	default:
		return core.ResolvedVersion{}, &core.Error{
			Kind:    core.KindInternal,
			Message: fmt.Sprintf("resolving versions of %s: %v", ref.Name, err),
			Err:     err,
		}
	}
}

func (s *Service) lookup(ctx context.Context, rv core.ResolvedVersion) (*cache.Lease, error) {
	ctx, span := s.tracer.Start(ctx, "schemaloader.CacheLookup",
		trace.WithAttributes(attribute.String("schema.version", rv.Version)),
	)
	defer span.End()

	lease, err := s.cache.GetOrFetch(ctx, rv.Name, rv.Version)
	if err != nil {
		span.RecordError(err)
		return nil, &core.Error{
			Kind:    core.KindInternal,
			Message: fmt.Sprintf("loading schema for %s: %v", rv, err),
			Err:     err,
		}
	}
	return lease, nil
}

// WarmResult is the outcome of warming one reference.
type WarmResult struct {
	Ref      core.PackageRef
	Resolved core.ResolvedVersion
	Err      error
}

// Warm loads refs into the cache concurrently. Results are returned in the
// order of refs; a failure for one ref does not stop the others.
func (s *Service) Warm(ctx context.Context, refs []core.PackageRef) []WarmResult {
	results := make([]WarmResult, len(refs))

	p := pool.New().WithMaxGoroutines(max(s.warmConcurrency, 1))
	for i, ref := range refs {
		p.Go(func() {
			results[i].Ref = ref
			resp, err := s.GetSchema(ctx, ref)
			if err != nil {
				results[i].Err = err
				return
			}
			results[i].Resolved = resp.Resolved
			resp.Release()
		})
	}
	p.Wait()

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	level.Info(s.logger).Log("msg", "cache warmed", "requested", len(refs), "failed", failed)
	return results
}

// WarmErr joins the errors of a Warm call, or returns nil.
func WarmErr(results []WarmResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Ref, r.Err))
		}
	}
	return errors.Join(errs...)
}

// truncate bounds echoed input in diagnostics.
func truncate(s string) string {
	const limit = 256
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
