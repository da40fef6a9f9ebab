// Package httpstore reads schemas from a remote schema registry over HTTP.
//
// The registry serves
//
//	GET {base}/{name}/versions         {"versions":[{"version":"1.0.0","schema":"<url>"}]}
//	GET {base}/{name}/{version}/schema the schema document (JSON or YAML)
//
// The version list may also be a bare array of version strings. A "schema"
// URL in the list overrides the default document location for that version.
package httpstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/git-pkgs/schemaloader/client"
	"github.com/git-pkgs/schemaloader/fetch"
	"github.com/git-pkgs/schemaloader/internal/core"
)

const kind = "http"

func init() {
	core.Register(kind, func(location string) (core.Store, error) {
		return New(location)
	})
}

// Store is a schema store backed by a remote registry.
type Store struct {
	baseURL string
	urls    client.URLBuilder
	fetcher fetch.Getter
	limiter *rate.Limiter
	logger  log.Logger
	closeFn func()

	mu        sync.RWMutex
	overrides map[core.Key]string
}

// Option configures a Store.
type Option func(*Store)

// WithFetcher sets the fetcher used for registry requests.
func WithFetcher(f fetch.Getter) Option {
	return func(s *Store) {
		s.fetcher = f
	}
}

// WithURLBuilder overrides the registry URL layout.
func WithURLBuilder(u client.URLBuilder) Option {
	return func(s *Store) {
		s.urls = u
	}
}

// WithRateLimit paces registry requests to r per second with the given burst.
func WithRateLimit(r float64, burst int) Option {
	return func(s *Store) {
		s.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a store for the registry at baseURL. Without WithFetcher it
// uses a circuit-breaking fetcher that does not retry on its own.
func New(baseURL string, opts ...Option) (*Store, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing registry URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("registry URL must be http or https: %q", baseURL)
	}

	s := &Store{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		limiter:   rate.NewLimiter(rate.Inf, 0),
		logger:    log.NewNopLogger(),
		overrides: make(map[core.Key]string),
	}
	s.urls = client.RegistryURLs(s.baseURL)
	for _, opt := range opts {
		opt(s)
	}

	if s.fetcher == nil {
		f := fetch.NewFetcher(fetch.WithMaxRetries(0))
		s.fetcher = fetch.NewCircuitBreakerFetcher(f)
		s.closeFn = f.Close
	}
	return s, nil
}

func (s *Store) Kind() string {
	return kind
}

// URLs returns the registry URL layout.
func (s *Store) URLs() client.URLBuilder {
	return s.urls
}

// Close releases the default fetcher's resources.
func (s *Store) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

type versionEntry struct {
	Version string `json:"version"`
	Schema  string `json:"schema"`
}

func (e *versionEntry) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return jsoniter.Unmarshal(data, &e.Version)
	}
	type plain versionEntry
	return jsoniter.Unmarshal(data, (*plain)(e))
}

type versionsResponse struct {
	Versions []versionEntry `json:"versions"`
}

func decodeVersions(body []byte) ([]versionEntry, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var entries []versionEntry
		err := jsoniter.Unmarshal(body, &entries)
		return entries, err
	}
	var resp versionsResponse
	err := jsoniter.Unmarshal(body, &resp)
	return resp.Versions, err
}

func (s *Store) ListVersions(ctx context.Context, name string) ([]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, _, err := s.fetcher.GetBytes(ctx, s.urls.Versions(name))
	if err != nil {
		return nil, s.mapError(ctx, err, name, "")
	}

	entries, err := decodeVersions(body)
	if err != nil {
		return nil, &core.UnavailableError{Store: kind, Err: fmt.Errorf("decoding version list for %s: %w", name, err)}
	}

	versions := make([]string, 0, len(entries))
	s.mu.Lock()
	for _, e := range entries {
		if e.Version == "" {
			continue
		}
		versions = append(versions, e.Version)
		key := core.Key{Name: name, Version: e.Version}
		if e.Schema != "" {
			s.overrides[key] = s.resolveURL(e.Schema)
		} else {
			delete(s.overrides, key)
		}
	}
	s.mu.Unlock()

	if len(versions) == 0 {
		return nil, &core.NotFoundError{Name: name}
	}
	return versions, nil
}

// resolveURL resolves a schema URL from the version list against the base.
func (s *Store) resolveURL(ref string) string {
	base, err := url.Parse(s.baseURL + "/")
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func (s *Store) FetchDocument(ctx context.Context, name, version string) (*core.RawDocument, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	schemaURL, ok := s.overrides[core.Key{Name: name, Version: version}]
	s.mu.RUnlock()
	if !ok {
		schemaURL = s.urls.Schema(name, version)
	}

	body, contentType, err := s.fetcher.GetBytes(ctx, schemaURL)
	if err != nil {
		return nil, s.mapError(ctx, err, name, version)
	}

	level.Debug(s.logger).Log("msg", "fetched schema", "package", name, "version", version, "url", schemaURL, "bytes", len(body))
	return &core.RawDocument{Data: body, Format: formatOf(contentType), Source: schemaURL}, nil
}

// formatOf maps a response content type to a document format. Unknown
// types are left for the parser to sniff.
func formatOf(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "yaml"):
		return "yaml"
	case strings.Contains(ct, "json"):
		return "json"
	default:
		return ""
	}
}

func (s *Store) mapError(ctx context.Context, err error, name, version string) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, fetch.ErrNotFound):
		return &core.NotFoundError{Name: name, Version: version}
	case errors.Is(err, fetch.ErrTooLarge):
		return &core.MalformedError{Name: name, Version: version, Reason: "document exceeds size limit"}
	default:
		return &core.UnavailableError{Store: kind, Err: err}
	}
}
